package store

import (
	"database/sql"
	"fmt"
	"time"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
)

// UpsertAccount inserts or updates an account row keyed by its
// canonical address.
func (s *Store) UpsertAccount(a *acctdomain.Account) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO accounts (email, alias, display_name, status, added_at,
			last_email_sync, last_calendar_sync, sync_email, sync_calendar,
			folders, sync_attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			alias = excluded.alias,
			display_name = excluded.display_name,
			status = excluded.status,
			sync_email = excluded.sync_email,
			sync_calendar = excluded.sync_calendar,
			folders = excluded.folders,
			sync_attachments = excluded.sync_attachments
	`, a.Email, a.Alias, a.DisplayName, string(a.Status), a.AddedAt.Unix(),
		timePtr(a.LastEmailSync), timePtr(a.LastCalendarSync),
		boolToInt(a.SyncEmail), boolToInt(a.SyncCalendar),
		marshalJSON(a.Folders), boolToInt(a.SyncAttachments))
	return err
}

// GetAccount retrieves one account by canonical address; nil when absent.
func (s *Store) GetAccount(email string) (*acctdomain.Account, error) {
	row := s.db.QueryRow(accountSelect+` WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAccounts returns every account ordered by address.
func (s *Store) ListAccounts() ([]*acctdomain.Account, error) {
	rows, err := s.db.Query(accountSelect + ` ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*acctdomain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetAccountStatus updates only the status column.
func (s *Store) SetAccountStatus(email string, status acctdomain.Status) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE accounts SET status = ? WHERE email = ?`, string(status), email)
	return err
}

// TouchEmailSync advances last_email_sync.
func (s *Store) TouchEmailSync(email string, at time.Time) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE accounts SET last_email_sync = ? WHERE email = ?`, at.Unix(), email)
	return err
}

// TouchCalendarSync advances last_calendar_sync.
func (s *Store) TouchCalendarSync(email string, at time.Time) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE accounts SET last_calendar_sync = ? WHERE email = ?`, at.Unix(), email)
	return err
}

// DeleteAccount removes the account and cascades to every row keyed by
// its address, atomically.
func (s *Store) DeleteAccount(email string) error {
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

	for _, q := range []string{
		`DELETE FROM mail_fts WHERE item_id IN (SELECT id FROM mail_items WHERE account_id = ?)`,
		`DELETE FROM vec_mail WHERE item_id IN (SELECT id FROM mail_items WHERE account_id = ?)`,
		`DELETE FROM mail_items WHERE account_id = ?`,
		`DELETE FROM calendar_fts WHERE item_id IN (SELECT id FROM calendar_items WHERE account_id = ?)`,
		`DELETE FROM vec_calendar WHERE item_id IN (SELECT id FROM calendar_items WHERE account_id = ?)`,
		`DELETE FROM calendar_items WHERE account_id = ?`,
		`DELETE FROM accounts WHERE email = ?`,
	} {
		if _, err := tx.Exec(q, email); err != nil {
			return fmt.Errorf("delete account %s: %w", email, err)
		}
	}
	return tx.Commit()
}

// ResetAccountData clears the account's items but keeps the account
// row, so the next sync cycle re-primes from scratch.
func (s *Store) ResetAccountData(email string) error {
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

	for _, q := range []string{
		`DELETE FROM mail_fts WHERE item_id IN (SELECT id FROM mail_items WHERE account_id = ?)`,
		`DELETE FROM vec_mail WHERE item_id IN (SELECT id FROM mail_items WHERE account_id = ?)`,
		`DELETE FROM mail_items WHERE account_id = ?`,
		`DELETE FROM calendar_fts WHERE item_id IN (SELECT id FROM calendar_items WHERE account_id = ?)`,
		`DELETE FROM vec_calendar WHERE item_id IN (SELECT id FROM calendar_items WHERE account_id = ?)`,
		`DELETE FROM calendar_items WHERE account_id = ?`,
		`UPDATE accounts SET last_email_sync = NULL, last_calendar_sync = NULL WHERE email = ?`,
	} {
		if _, err := tx.Exec(q, email); err != nil {
			return fmt.Errorf("reset account %s: %w", email, err)
		}
	}
	return tx.Commit()
}

// CountItems returns the number of mail and calendar rows for one
// account, for the status surface.
func (s *Store) CountItems(email string) (mail, events int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM mail_items WHERE account_id = ?`, email).Scan(&mail); err != nil {
		return
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM calendar_items WHERE account_id = ?`, email).Scan(&events)
	return
}

const accountSelect = `
	SELECT email, alias, display_name, status, added_at,
		last_email_sync, last_calendar_sync, sync_email, sync_calendar,
		folders, sync_attachments
	FROM accounts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*acctdomain.Account, error) {
	var a acctdomain.Account
	var status string
	var addedAt int64
	var lastEmail, lastCal sql.NullInt64
	var alias, displayName, folders sql.NullString
	var syncEmail, syncCal, syncAtt int

	err := row.Scan(&a.Email, &alias, &displayName, &status, &addedAt,
		&lastEmail, &lastCal, &syncEmail, &syncCal, &folders, &syncAtt)
	if err != nil {
		return nil, err
	}
	a.Alias = alias.String
	a.DisplayName = displayName.String
	a.Status = acctdomain.Status(status)
	a.AddedAt = time.Unix(addedAt, 0).UTC()
	if lastEmail.Valid {
		t := time.Unix(lastEmail.Int64, 0).UTC()
		a.LastEmailSync = &t
	}
	if lastCal.Valid {
		t := time.Unix(lastCal.Int64, 0).UTC()
		a.LastCalendarSync = &t
	}
	a.SyncEmail = syncEmail != 0
	a.SyncCalendar = syncCal != 0
	a.Folders = unmarshalJSON[[]string](folders.String)
	a.SyncAttachments = syncAtt != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
