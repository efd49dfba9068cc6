package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
)

// MailBatch is one atomic commit: upserts apply before deletes, and an
// upsert of an existing logical item updates the row in place (the
// internal id never changes).
type MailBatch struct {
	Upserts   []*maildomain.MailItem
	DeleteIDs []string
}

// ApplyMailBatch commits the batch in a single transaction, keeping
// the keyword and vector indexes in step with the base rows.
func (s *Store) ApplyMailBatch(b *MailBatch) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	if len(b.Upserts) == 0 && len(b.DeleteIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range b.Upserts {
		if err := upsertMail(tx, m); err != nil {
			return fmt.Errorf("upsert mail %s/%d: %w", m.AccountID, m.GmailID, err)
		}
	}
	for _, id := range b.DeleteIDs {
		if err := deleteMail(tx, id); err != nil {
			return fmt.Errorf("delete mail %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func upsertMail(tx *sql.Tx, m *maildomain.MailItem) error {
	_, err := tx.Exec(`
		INSERT INTO mail_items (id, account_id, gmail_id, thread_id, message_id,
			uid, uid_validity, in_reply_to, ref_ids, folder, labels, flags,
			from_name, from_email, to_json, cc_json, bcc_json, subject, date,
			body_text, body_html, total_body_chars, snippet, attachments,
			has_attachments, needs_embed, synced_at, raw_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, gmail_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			message_id = excluded.message_id,
			uid = excluded.uid,
			uid_validity = excluded.uid_validity,
			in_reply_to = excluded.in_reply_to,
			ref_ids = excluded.ref_ids,
			folder = excluded.folder,
			labels = excluded.labels,
			flags = excluded.flags,
			from_name = excluded.from_name,
			from_email = excluded.from_email,
			to_json = excluded.to_json,
			cc_json = excluded.cc_json,
			bcc_json = excluded.bcc_json,
			subject = excluded.subject,
			date = excluded.date,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			total_body_chars = excluded.total_body_chars,
			snippet = excluded.snippet,
			attachments = excluded.attachments,
			has_attachments = excluded.has_attachments,
			needs_embed = excluded.needs_embed,
			synced_at = excluded.synced_at,
			raw_size = excluded.raw_size
	`, m.ID, m.AccountID, int64(m.GmailID), int64(m.ThreadID), m.MessageID,
		m.UID, m.UIDValidity, m.InReplyTo, m.References, m.Folder,
		marshalJSON(m.Labels), marshalJSON(m.Flags),
		m.From.Name, m.From.Email, marshalJSON(m.To), marshalJSON(m.Cc),
		marshalJSON(m.Bcc), m.Subject, m.Date.Unix(),
		m.BodyText, m.BodyHTML, m.TotalBodyChars, m.Snippet, marshalJSON(m.Attachments),
		boolToInt(m.HasAttachments()), boolToInt(m.NeedsEmbed),
		m.SyncedAt.Unix(), m.RawSize)
	if err != nil {
		return err
	}

	// The conflict path keeps the original internal id; re-read it so
	// the index rows stay keyed correctly.
	var id string
	if err := tx.QueryRow(`SELECT id FROM mail_items WHERE account_id = ? AND gmail_id = ?`,
		m.AccountID, int64(m.GmailID)).Scan(&id); err != nil {
		return err
	}
	m.ID = id

	if err := reindexMail(tx, m); err != nil {
		return err
	}
	if m.Embedding != nil {
		return replaceVector(tx, "vec_mail", id, m.Embedding)
	}
	return nil
}

func reindexMail(tx *sql.Tx, m *maildomain.MailItem) error {
	if _, err := tx.Exec(`DELETE FROM mail_fts WHERE item_id = ?`, m.ID); err != nil {
		return err
	}
	var recipients, attNames []string
	for _, a := range append(append([]maildomain.Address{}, m.To...), m.Cc...) {
		if a.Name != "" {
			recipients = append(recipients, a.Name)
		}
		recipients = append(recipients, a.Email)
	}
	for _, a := range m.Attachments {
		attNames = append(attNames, a.Filename)
	}
	sender := strings.TrimSpace(m.From.Name + " " + m.From.Email)
	_, err := tx.Exec(`
		INSERT INTO mail_fts (item_id, subject, body, sender, recipients, attachment_names)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Subject, m.BodyText, sender,
		strings.Join(recipients, " "), strings.Join(attNames, " "))
	return err
}

func replaceVector(tx *sql.Tx, table, id string, vec []float32) error {
	js, err := vecJSON(vec)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM `+table+` WHERE item_id = ?`, id); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO `+table+` (item_id, embedding) VALUES (?, ?)`, id, js)
	return err
}

func deleteMail(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(`DELETE FROM mail_fts WHERE item_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM vec_mail WHERE item_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM mail_items WHERE id = ?`, id)
	return err
}

// PurgeStaleUIDs removes rows in a folder still carrying a UID-validity
// other than current. Called after a re-map drained, so logical items
// that survived the rollover have already been updated in place.
func (s *Store) PurgeStaleUIDs(account, folder string, currentValidity uint32) (int, error) {
	if err := s.requireWriter(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM mail_items WHERE account_id = ? AND folder = ? AND uid_validity != ?`,
		account, folder, currentValidity)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := deleteMail(tx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), tx.Commit()
}

// GetMail retrieves one item by internal id; nil when absent.
func (s *Store) GetMail(id string) (*maildomain.MailItem, error) {
	row := s.db.QueryRow(mailSelect+` WHERE id = ?`, id)
	m, err := scanMail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMailByUID resolves a folder-scoped UID to the item, nil when
// absent.
func (s *Store) GetMailByUID(account, folder string, uid, validity uint32) (*maildomain.MailItem, error) {
	row := s.db.QueryRow(mailSelect+` WHERE account_id = ? AND folder = ? AND uid = ? AND uid_validity = ?`,
		account, folder, uid, validity)
	m, err := scanMail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetThread returns every message of a thread ordered by date, a range
// scan over (account_id, thread_id).
func (s *Store) GetThread(account string, threadID uint64) ([]*maildomain.MailItem, error) {
	rows, err := s.db.Query(mailSelect+` WHERE account_id = ? AND thread_id = ? ORDER BY date ASC`,
		account, int64(threadID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMailRows(rows)
}

// ListMail returns items matching the filter ordered by date
// descending. Used for filter-only searches and folder listings.
func (s *Store) ListMail(f *Filter, limit int) ([]*maildomain.MailItem, error) {
	where, args := f.mailSQL("")
	q := mailSelect
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY date DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMailRows(rows)
}

// ListFolders returns the distinct folders seen for an account.
func (s *Store) ListFolders(account string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT folder FROM mail_items WHERE account_id = ? ORDER BY folder`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var folders []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// HighestUID returns the largest UID committed for a folder under the
// given validity epoch; zero when the folder is empty.
func (s *Store) HighestUID(account, folder string, validity uint32) (uint32, error) {
	var uid sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(uid) FROM mail_items WHERE account_id = ? AND folder = ? AND uid_validity = ?`,
		account, folder, validity).Scan(&uid)
	if err != nil {
		return 0, err
	}
	return uint32(uid.Int64), nil
}

// NeedsEmbedMail lists rows flagged for re-embedding.
func (s *Store) NeedsEmbedMail(limit int) ([]*maildomain.MailItem, error) {
	rows, err := s.db.Query(mailSelect+` WHERE needs_embed = 1 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMailRows(rows)
}

// SetMailEmbedding replaces the item's vector and clears the re-embed
// flag in one transaction.
func (s *Store) SetMailEmbedding(id string, vec []float32) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := replaceVector(tx, "vec_mail", id, vec); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE mail_items SET needs_embed = 0 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMailEmbedding reads back the stored vector; nil when absent.
func (s *Store) GetMailEmbedding(id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM vec_mail WHERE item_id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(blob)
}

// SetAttachmentPath records the downloaded location of one attachment.
func (s *Store) SetAttachmentPath(id, attachmentID, localPath string) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var attJSON sql.NullString
	if err := s.db.QueryRow(`SELECT attachments FROM mail_items WHERE id = ?`, id).Scan(&attJSON); err != nil {
		return err
	}
	atts := unmarshalJSON[[]maildomain.Attachment](attJSON.String)
	for i := range atts {
		if atts[i].ID == attachmentID {
			atts[i].LocalPath = localPath
		}
	}
	_, err := s.db.Exec(`UPDATE mail_items SET attachments = ? WHERE id = ?`, marshalJSON(atts), id)
	return err
}

const mailSelect = `
	SELECT id, account_id, gmail_id, thread_id, message_id, uid, uid_validity,
		in_reply_to, ref_ids, folder, labels, flags, from_name, from_email,
		to_json, cc_json, bcc_json, subject, date, body_text, body_html,
		total_body_chars, snippet, attachments, needs_embed, synced_at, raw_size
	FROM mail_items`

func scanMail(row rowScanner) (*maildomain.MailItem, error) {
	var m maildomain.MailItem
	var inReplyTo, refs, labels, flags, fromName, fromEmail sql.NullString
	var toJSON, ccJSON, bccJSON, subject, bodyText, bodyHTML, snippet, atts sql.NullString
	var gmailID, threadID, date, syncedAt int64
	var needsEmbed int

	err := row.Scan(&m.ID, &m.AccountID, &gmailID, &threadID, &m.MessageID,
		&m.UID, &m.UIDValidity, &inReplyTo, &refs, &m.Folder, &labels, &flags,
		&fromName, &fromEmail, &toJSON, &ccJSON, &bccJSON, &subject, &date,
		&bodyText, &bodyHTML, &m.TotalBodyChars, &snippet, &atts, &needsEmbed,
		&syncedAt, &m.RawSize)
	if err != nil {
		return nil, err
	}
	m.GmailID = uint64(gmailID)
	m.ThreadID = uint64(threadID)
	m.InReplyTo = inReplyTo.String
	m.References = refs.String
	m.Labels = unmarshalJSON[[]string](labels.String)
	m.Flags = unmarshalJSON[[]string](flags.String)
	m.From = maildomain.Address{Name: fromName.String, Email: fromEmail.String}
	m.To = unmarshalJSON[[]maildomain.Address](toJSON.String)
	m.Cc = unmarshalJSON[[]maildomain.Address](ccJSON.String)
	m.Bcc = unmarshalJSON[[]maildomain.Address](bccJSON.String)
	m.Subject = subject.String
	m.Date = time.Unix(date, 0).UTC()
	m.BodyText = bodyText.String
	m.BodyHTML = bodyHTML.String
	m.Snippet = snippet.String
	m.Attachments = unmarshalJSON[[]maildomain.Attachment](atts.String)
	m.NeedsEmbed = needsEmbed != 0
	m.SyncedAt = time.Unix(syncedAt, 0).UTC()
	return &m, nil
}

func scanMailRows(rows *sql.Rows) ([]*maildomain.MailItem, error) {
	var items []*maildomain.MailItem
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// decodeVector unpacks the vec0 blob format (little-endian float32).
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob has %d bytes", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
