package server

import (
	"database/sql"
	"fmt"

	"raven/internal/blobstorage"
	"raven/internal/db"
	"raven/internal/models"
	"raven/internal/msgcache"
)

// GetUserDB returns the per-user database, opening and lazily
// initializing it on first access.
func (s *IMAPServer) GetUserDB(userID int64) (*sql.DB, error) {
	return s.dbManager.GetUserDB(userID)
}

// GetSharedDB returns the process-wide database holding domains, users
// and role-mailbox assignments.
func (s *IMAPServer) GetSharedDB() *sql.DB {
	return s.dbManager.GetSharedDB()
}

// GetDBManager exposes the underlying manager for handlers that need to
// reach a role mailbox's own database.
func (s *IMAPServer) GetDBManager() *db.DBManager {
	return s.dbManager
}

// GetS3Storage returns the blob storage backend used for message bodies
// above the inline-storage threshold.
func (s *IMAPServer) GetS3Storage() *blobstorage.Store {
	return s.s3Storage
}

// GetMessageCache returns the process-wide reconstructed-message cache
// shared by every connection's FETCH handling.
func (s *IMAPServer) GetMessageCache() *msgcache.Cache {
	return s.msgCache
}

// GetCertPath and GetKeyPath expose the TLS material STARTTLS upgrades
// a connection with.
func (s *IMAPServer) GetCertPath() string {
	return s.certPath
}

func (s *IMAPServer) GetKeyPath() string {
	return s.keyPath
}

// ExtractUsername and GetUserDomain delegate to the lowercase helpers
// server.go already carries from the single-database era.
func (s *IMAPServer) ExtractUsername(username string) string {
	return s.extractUsername(username)
}

func (s *IMAPServer) GetUserDomain(username string) string {
	return s.getUserDomain(username)
}

// EnsureUserAndMailboxes delegates to the lowercase helper in server.go.
func (s *IMAPServer) EnsureUserAndMailboxes(username, domain string) (int64, int64, error) {
	return s.ensureUserAndMailboxes(username, domain)
}

// GetSelectedDB resolves the database backing whichever mailbox is
// currently selected on this connection: a role mailbox's own database
// if state.IsRoleMailbox is set, otherwise the authenticated user's own
// database. The returned owner id is the id a FETCH/STORE/EXPUNGE
// handler should use as the acting user for that database — 0 for a
// role mailbox, since role-mailbox databases are not keyed by user.
func (s *IMAPServer) GetSelectedDB(state *models.ClientState) (*sql.DB, int64, error) {
	if state.IsRoleMailbox && state.SelectedRoleMailboxID != 0 {
		roleDB, err := s.dbManager.GetRoleMailboxDB(state.SelectedRoleMailboxID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open role mailbox database: %v", err)
		}
		return roleDB, 0, nil
	}

	userDB, err := s.dbManager.GetUserDB(state.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open user database: %v", err)
	}
	return userDB, state.UserID, nil
}
