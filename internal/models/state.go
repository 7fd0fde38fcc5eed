package models

import (
	"net"

	"raven/internal/imapsession"
	"raven/internal/mailboxgroup"
)

type ClientState struct {
	Authenticated      bool
	SelectedFolder     string
	SelectedMailboxID  int64  // Database ID of selected mailbox
	Conn               net.Conn
	Username           string
	UserID             int64  // Database ID of authenticated user
	DomainID           int64  // Database ID of user's domain
	// Mailbox state tracking for NOOP and other commands
	LastMessageCount   int    // Last known message count in selected folder
	LastRecentCount    int    // Last known recent (unseen) message count
	UIDValidity        int64  // UID validity for selected mailbox
	UIDNext            int64  // Next UID for selected mailbox
	// Role mailbox support
	RoleMailboxIDs     []int64  // Database IDs of role mailboxes assigned to this user
	SelectedRoleMailboxID int64 // Database ID of selected role mailbox (0 if not a role mailbox)
	IsRoleMailbox      bool     // True if currently browsing a role mailbox

	// IMAPSession enforces the EXPUNGE/FETCH/EXISTS ordering invariants
	// for the mailbox currently selected on this connection; nil until
	// the first SELECT/EXAMINE. ModSeq is this connection's view of the
	// mailbox's HIGHESTMODSEQ, advanced by STORE/EXPUNGE. CurrentCommand
	// is the single in-flight command the session's emission rules gate
	// on; this server handles one command to completion before reading
	// the next line, so the queue imapsession.Responder expects never
	// holds more than one entry here. Bye is set once the session
	// detects a client refetching already-expunged UIDs and the
	// connection loop must close after sending the current response.
	IMAPSession    *imapsession.Session
	ModSeq         int64
	CurrentCommand *imapsession.Command
	Bye            bool

	// MailboxGroup is seeded from the mailbox set a LIST response just
	// returned, so a client STATUS-ing those mailboxes one at a time
	// (the common "check every folder after connecting" pattern) gets
	// detected after a few hits; StatusCache holds the speculative
	// STATUS results mailbox.HandleStatus computes for the rest of the
	// group once that happens, so later STATUS calls against this
	// connection for those mailboxes are served without a database
	// round trip.
	MailboxGroup *mailboxgroup.Group
	StatusCache  map[int64]map[string]int
}
