package extension

import (
	"database/sql"
	"fmt"
	"net"
	"strings"

	"raven/internal/authtoken"
	"raven/internal/db"
	"raven/internal/delivery/parser"
	"raven/internal/fetchbuilder"
	"raven/internal/models"
	"raven/internal/urlfetch"
)

// urlResolver implements every collaborator interface urlfetch.Resolve
// needs against this server's per-user database layout. Resolve walks
// one URL at a time and calls LookupUser before LookupMailbox before
// Fetch, so caching the user and mailbox IDs found along the way
// carries them to Fetch without widening urlfetch's own interfaces.
type urlResolver struct {
	dbManager *db.DBManager
	sharedDB  *sql.DB
	domain    string

	userID int64
}

func (r *urlResolver) LookupUser(name string) (urlfetch.UserState, int64, error) {
	domainID, err := db.GetDomainByName(r.sharedDB, r.domain)
	if err != nil {
		return urlfetch.UserNonexistent, 0, nil
	}
	userID, err := db.GetUserByUsername(r.sharedDB, name, domainID)
	if err != nil {
		return urlfetch.UserNonexistent, 0, nil
	}
	r.userID = userID
	return urlfetch.UserActive, userID, nil
}

func (r *urlResolver) LookupMailbox(userID int64, name string) (*urlfetch.MailboxInfo, error) {
	userDB, err := r.dbManager.GetUserDB(userID)
	if err != nil {
		return nil, err
	}
	mailboxID, err := db.GetMailboxByNamePerUser(userDB, userID, name)
	if err != nil {
		return nil, err
	}
	uidValidity, _, err := db.GetMailboxInfoPerUser(userDB, mailboxID)
	if err != nil {
		return nil, err
	}
	return &urlfetch.MailboxInfo{ID: mailboxID, UIDValidity: uint32(uidValidity)}, nil
}

// CanRead always allows: this server has no per-mailbox ACL model
// beyond "it's your own mailbox", which LookupUser/LookupMailbox
// already enforce by scoping the lookup to the referenced user's own
// database. Authorization for a URL referencing someone else's
// mailbox rests entirely on the ;URLAUTH= token check that follows.
func (r *urlResolver) CanRead(userID, mailboxID int64) bool { return true }

func (r *urlResolver) AccessKey(userID, mailboxID int64) (string, error) {
	userDB, err := r.dbManager.GetUserDB(userID)
	if err != nil {
		return "", err
	}
	if key, err := db.GetAccessKey(userDB, userID, mailboxID); err == nil {
		return key, nil
	}
	key, err := authtoken.GenerateKeyMaterial()
	if err != nil {
		return "", err
	}
	if err := db.CreateAccessKey(userDB, userID, mailboxID, key); err != nil {
		return "", err
	}
	return key, nil
}

func (r *urlResolver) Fetch(mailboxID int64, uid uint32, section string) ([]byte, error) {
	userDB, err := r.dbManager.GetUserDB(r.userID)
	if err != nil {
		return nil, err
	}
	messageID, err := db.GetMessageIDByUID(userDB, mailboxID, uid)
	if err != nil {
		return nil, err
	}
	raw, err := parser.ReconstructMessage(userDB, messageID)
	if err != nil {
		return nil, err
	}
	if section == "" {
		return []byte(raw), nil
	}
	part, err := fetchbuilder.ParsePart([]byte(raw))
	if err != nil {
		return nil, err
	}
	sec, err := fetchbuilder.ParseSection(section)
	if err != nil {
		return nil, err
	}
	return fetchbuilder.Render(part, sec)
}

// ===== URLFETCH =====

// HandleUrlFetch implements the URLFETCH command (RFC 4467 §4): each
// argument is an IMAP URL (RFC 5092) naming one message, or one
// section of it, in some user's mailbox. A URL carrying a
// ";URLAUTH=access:internal:token" suffix is authorized by that
// token; a bare URL is authorized the same way SELECT would be,
// i.e. only against the caller's own mailboxes.
func HandleUrlFetch(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if !state.Authenticated {
		deps.SendResponse(conn, fmt.Sprintf("%s NO Not authenticated", tag))
		return
	}
	if len(parts) < 3 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD URLFETCH requires at least one URL", tag))
		return
	}

	urls := make([]*urlfetch.URL, 0, len(parts)-2)
	for _, raw := range parts[2:] {
		u, err := urlfetch.Parse(strings.Trim(raw, "\""))
		if err != nil {
			deps.SendResponse(conn, fmt.Sprintf("%s NO [BADURL %s] %v", tag, raw, err))
			return
		}
		urls = append(urls, u)
	}

	resolver := &urlResolver{
		dbManager: deps.GetDBManager(),
		sharedDB:  deps.GetSharedDB(),
		domain:    deps.GetUserDomain(state.Username),
	}
	results, err := urlfetch.Resolve(urls, urlfetch.Deps{
		Users:       resolver,
		Mailboxes:   resolver,
		Permissions: resolver,
		Keys:        resolver,
		Fetcher:     resolver,
	})
	if err != nil {
		if bad, ok := err.(*urlfetch.BadURLError); ok {
			deps.SendResponse(conn, fmt.Sprintf("%s NO [BADURL %s] %s", tag, bad.URL, bad.Reason))
			return
		}
		deps.SendResponse(conn, fmt.Sprintf("%s NO URLFETCH failed", tag))
		return
	}

	for _, res := range results {
		deps.SendResponse(conn, fmt.Sprintf("* URLFETCH %s {%d}", res.URL.Raw, len(res.Data)))
		deps.SendResponse(conn, string(res.Data))
	}
	deps.SendResponse(conn, fmt.Sprintf("%s OK URLFETCH completed", tag))
}
