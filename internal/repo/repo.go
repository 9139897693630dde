package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"veristage/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO templates(id,family,execution_mode,body_json,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Family, t.ExecutionMode, string(body), nullable(t.CreatedBy), t.CreatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM templates WHERE id=?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Template{}, ErrNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	var t domain.Template
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return domain.Template{}, fmt.Errorf("unmarshal template %s: %w", id, err)
	}
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context, family string) ([]domain.Template, error) {
	query := `SELECT body_json FROM templates`
	var args []any
	if family != "" {
		query += ` WHERE family=?`
		args = append(args, family)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t domain.Template
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanTheatre(scan func(dest ...any) error) (domain.Theatre, error) {
	var t domain.Theatre
	var commitmentHash, certificateID, pendingStep, errStr sql.NullString
	err := scan(&t.ID, &t.TemplateID, &t.State, &t.OwnerID, &commitmentHash,
		&t.EpisodesTotal, &t.EpisodesDone, &t.EpisodesFailed,
		&certificateID, &pendingStep, &errStr, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if commitmentHash.Valid {
		t.CommitmentHash = &commitmentHash.String
	}
	if certificateID.Valid {
		t.CertificateID = &certificateID.String
	}
	if pendingStep.Valid {
		t.PendingStep = &pendingStep.String
	}
	if errStr.Valid {
		t.Error = &errStr.String
	}
	return t, nil
}

const theatreColumns = `id,template_id,state,owner_id,commitment_hash,episodes_total,episodes_done,episodes_failed,certificate_id,pending_step,error,created_at,updated_at`

func (r Repo) InsertTheatre(ctx context.Context, tx *sql.Tx, t domain.Theatre) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO theatres(`+theatreColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TemplateID, t.State, t.OwnerID, nullableStringPtr(t.CommitmentHash),
		t.EpisodesTotal, t.EpisodesDone, t.EpisodesFailed,
		nullableStringPtr(t.CertificateID), nullableStringPtr(t.PendingStep), nullableStringPtr(t.Error),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTheatre(ctx context.Context, id string) (domain.Theatre, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+theatreColumns+` FROM theatres WHERE id=?`, id)
	return scanTheatre(row.Scan)
}

func (r Repo) GetTheatreTx(ctx context.Context, tx *sql.Tx, id string) (domain.Theatre, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+theatreColumns+` FROM theatres WHERE id=?`, id)
	return scanTheatre(row.Scan)
}

type TheatreFilters struct {
	State           string
	OwnerID         string
	TemplateID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTheatres(ctx context.Context, f TheatreFilters) ([]domain.Theatre, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + theatreColumns + ` FROM theatres ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Theatre
	for rows.Next() {
		t, err := scanTheatre(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TransitionTheatre updates the state only if the row still holds the
// expected current state. Returns ErrNotFound when the guard misses, so
// a concurrent transition attempt fails instead of double-applying.
func (r Repo) TransitionTheatre(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE theatres SET state=?, updated_at=? WHERE id=? AND state=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTheatreCommitment(ctx context.Context, tx *sql.Tx, id, hash, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE theatres SET commitment_hash=?, updated_at=? WHERE id=?`, hash, updatedAt, id)
	return err
}

func (r Repo) UpdateTheatreProgress(ctx context.Context, id string, total, done, failed int, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE theatres SET episodes_total=?, episodes_done=?, episodes_failed=?, updated_at=? WHERE id=?`,
		total, done, failed, updatedAt, id)
	return err
}

func (r Repo) SetTheatreError(ctx context.Context, tx *sql.Tx, id, errStr, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE theatres SET error=?, updated_at=? WHERE id=?`, nullable(errStr), updatedAt, id)
	return err
}

func (r Repo) SetTheatreCertificate(ctx context.Context, tx *sql.Tx, id, certificateID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE theatres SET certificate_id=?, updated_at=? WHERE id=?`, certificateID, updatedAt, id)
	return err
}

func (r Repo) SetTheatrePendingStep(ctx context.Context, tx *sql.Tx, id string, stepID *string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE theatres SET pending_step=?, updated_at=? WHERE id=?`, nullableStringPtr(stepID), updatedAt, id)
	return err
}

func (r Repo) SetTheatreResolutionState(ctx context.Context, tx *sql.Tx, id, stateJSON, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE theatres SET resolution_json=?, updated_at=? WHERE id=?`, nullable(stateJSON), updatedAt, id)
	return err
}

func (r Repo) GetTheatreResolutionState(ctx context.Context, id string) (string, error) {
	var state sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT resolution_json FROM theatres WHERE id=?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return state.String, nil
}

func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, rec domain.CommitmentReceipt) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO receipts(theatre_id,hash,body_json,committed_at) VALUES (?,?,?,?)`,
		rec.TheatreID, rec.Hash, string(body), rec.CommittedAt)
	return err
}

func (r Repo) GetReceipt(ctx context.Context, theatreID string) (domain.CommitmentReceipt, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM receipts WHERE theatre_id=?`, theatreID).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.CommitmentReceipt{}, ErrNotFound
	}
	if err != nil {
		return domain.CommitmentReceipt{}, err
	}
	var rec domain.CommitmentReceipt
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return domain.CommitmentReceipt{}, fmt.Errorf("unmarshal receipt %s: %w", theatreID, err)
	}
	return rec, nil
}

func (r Repo) InsertEpisodeScore(ctx context.Context, s domain.EpisodeScore) error {
	scores, err := json.Marshal(s.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO episode_scores(theatre_id,episode_id,scores_json,composite,created_at) VALUES (?,?,?,?,?)`,
		s.TheatreID, s.EpisodeID, string(scores), s.Composite, s.CreatedAt)
	return err
}

func (r Repo) ListEpisodeScores(ctx context.Context, theatreID string) ([]domain.EpisodeScore, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT theatre_id,episode_id,scores_json,composite,created_at FROM episode_scores WHERE theatre_id=? ORDER BY episode_id ASC`, theatreID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EpisodeScore
	for rows.Next() {
		var s domain.EpisodeScore
		var scores string
		if err := rows.Scan(&s.TheatreID, &s.EpisodeID, &scores, &s.Composite, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scores), &s.Scores); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertCertificate(ctx context.Context, tx *sql.Tx, c domain.Certificate) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO certificates(id,theatre_id,construct_id,tier,composite,body_json,issued_at,expires_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.TheatreID, c.ConstructID, c.Tier, c.Composite, string(body), c.IssuedAt, nullableStringPtr(c.ExpiresAt))
	return err
}

func (r Repo) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM certificates WHERE id=?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Certificate{}, ErrNotFound
	}
	if err != nil {
		return domain.Certificate{}, err
	}
	var c domain.Certificate
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return domain.Certificate{}, fmt.Errorf("unmarshal certificate %s: %w", id, err)
	}
	return c, nil
}

type CertificateFilters struct {
	ConstructID string
	Tier        string
	// Sort is "issued" (default) or "composite".
	Sort  string
	Limit int
}

func (r Repo) ListCertificates(ctx context.Context, f CertificateFilters) ([]domain.Certificate, error) {
	var clauses []string
	var args []any
	if f.ConstructID != "" {
		clauses = append(clauses, "construct_id=?")
		args = append(args, f.ConstructID)
	}
	if f.Tier != "" {
		clauses = append(clauses, "tier=?")
		args = append(args, f.Tier)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := `ORDER BY issued_at DESC, id DESC`
	if f.Sort == "composite" {
		order = `ORDER BY composite DESC, id DESC`
	}
	query := `SELECT body_json FROM certificates ` + where + ` ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c domain.Certificate
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,construct_id,reason,status,opened_by,created_at,closed_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ConstructID, nullable(d.Reason), d.Status, d.OpenedBy, d.CreatedAt, nullableStringPtr(d.ClosedAt))
	return err
}

func (r Repo) CloseDispute(ctx context.Context, tx *sql.Tx, id, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status='closed', closed_at=? WHERE id=? AND status='open'`, closedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,construct_id,COALESCE(reason,''),status,opened_by,created_at,closed_at FROM disputes WHERE id=?`, id)
	var d domain.Dispute
	var closedAt sql.NullString
	err := row.Scan(&d.ID, &d.ConstructID, &d.Reason, &d.Status, &d.OpenedBy, &d.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return domain.Dispute{}, ErrNotFound
	}
	if err != nil {
		return domain.Dispute{}, err
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.String
	}
	return d, nil
}

func (r Repo) ListDisputes(ctx context.Context, constructID, status string) ([]domain.Dispute, error) {
	var clauses []string
	var args []any
	if constructID != "" {
		clauses = append(clauses, "construct_id=?")
		args = append(args, constructID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,construct_id,COALESCE(reason,''),status,opened_by,created_at,closed_at FROM disputes `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		var d domain.Dispute
		var closedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.ConstructID, &d.Reason, &d.Status, &d.OpenedBy, &d.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			d.ClosedAt = &closedAt.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) HasOpenDisputes(ctx context.Context, constructID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM disputes WHERE construct_id=? AND status='open'`, constructID).Scan(&n)
	return n > 0, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, theatreID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, theatreID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, theatreID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if theatreID != "" {
		clauses = append(clauses, "theatre_id=?")
		args = append(args, theatreID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,theatre_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var theatreID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &theatreID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if theatreID.Valid {
			e.TheatreID = theatreID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor,
// oldest first. Webhook delivery walks the log with it.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,theatre_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var theatreID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &theatreID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if theatreID.Valid {
			e.TheatreID = theatreID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
