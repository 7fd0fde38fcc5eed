package server

import (
	"database/sql"
	"fmt"
	"net"
	"strings"

	"raven/internal/imapsession"
	"raven/internal/models"
	"raven/internal/msgset"
)

// sessionResponder adapts one connection's conn/state to the
// imapsession.Responder interface: where an untagged line goes, what
// command is in flight, this connection's view of HIGHESTMODSEQ, and how
// to render the FETCH responses a flag-update announcement requires.
type sessionResponder struct {
	s     *IMAPServer
	conn  net.Conn
	state *models.ClientState
}

func (r *sessionResponder) Send(line string) {
	r.conn.Write([]byte(strings.TrimRight(line, "\r\n") + "\r\n"))
}

func (r *sessionResponder) Commands() []*imapsession.Command {
	if r.state.CurrentCommand == nil {
		return nil
	}
	return []*imapsession.Command{r.state.CurrentCommand}
}

func (r *sessionResponder) NextModSeq() int64 {
	return r.state.ModSeq
}

func (r *sessionResponder) SetBye(reason string) {
	r.state.Bye = true
}

// FlagFetch sends an untagged flag-update FETCH for each UID in uids,
// reading its current flags and sequence number fresh rather than caching
// them, since the whole point of deferring this announcement was that the
// mailbox kept changing underneath it.
func (r *sessionResponder) FlagFetch(uids *msgset.Set, atModSeq int64) {
	targetDB, err := r.s.GetUserDB(r.state.UserID)
	if err != nil {
		return
	}
	for rank := 1; rank <= uids.Count(); rank++ {
		uid := uids.Value(rank)
		var flags sql.NullString
		var seqNum int
		err := targetDB.QueryRow(`
			SELECT mm.flags,
				(SELECT COUNT(*) FROM message_mailbox mm2
				 WHERE mm2.mailbox_id = mm.mailbox_id AND mm2.uid <= mm.uid) as seq_num
			FROM message_mailbox mm
			WHERE mm.mailbox_id = ? AND mm.uid = ?
		`, r.state.SelectedMailboxID, uid).Scan(&flags, &seqNum)
		if err != nil {
			continue
		}
		flagStr := "()"
		if flags.Valid && flags.String != "" {
			flagStr = fmt.Sprintf("(%s)", flags.String)
		}
		r.s.sendResponse(r.conn, fmt.Sprintf("* %d FETCH (UID %d FLAGS %s)", seqNum, uid, flagStr))
	}
}

// attachIMAPSession (re)builds state.IMAPSession right after SELECT/
// EXAMINE seeds state.SelectedMailboxID, syncing it with the mailbox's
// current UID and \Recent sets the same way the teacher's SELECT handler
// seeds LastMessageCount/LastRecentCount.
func (s *IMAPServer) attachIMAPSession(conn net.Conn, state *models.ClientState) {
	targetDB, err := s.GetUserDB(state.UserID)
	if err != nil {
		return
	}

	sess := imapsession.New(&sessionResponder{s: s, conn: conn, state: state})

	messages := &msgset.Set{}
	recent := &msgset.Set{}
	rows, err := targetDB.Query(`SELECT uid, flags FROM message_mailbox WHERE mailbox_id = ? ORDER BY uid ASC`, state.SelectedMailboxID)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var uid int64
			var flags sql.NullString
			if rows.Scan(&uid, &flags) != nil {
				continue
			}
			messages.Add(int(uid))
			if flags.Valid && strings.Contains(flags.String, "\\Recent") {
				recent.Add(int(uid))
			}
		}
	}

	sess.Sync(messages, recent)
	sess.SetUIDNext(uint32(state.UIDNext))
	state.IMAPSession = sess
	state.ModSeq = 0
}

// runTrackedCommand marks name as the connection's single in-flight
// command for the duration of fn, so the session's emission rules can
// correctly gate EXPUNGE/FETCH ordering around it; this server executes
// one command to completion before reading the next line, so there is
// never more than one entry in the queue imapsession.Responder sees.
func (s *IMAPServer) runTrackedCommand(state *models.ClientState, name string, group imapsession.Group, usesMSN bool, fn func()) {
	cmd := &imapsession.Command{Name: strings.ToLower(name), State: imapsession.StateExecuting, Group: group, UsesMSN: usesMSN}
	state.CurrentCommand = cmd
	fn()
	cmd.State = imapsession.StateFinished
	if state.IMAPSession != nil {
		state.IMAPSession.EmitUpdates()
	}
	state.CurrentCommand = nil
}
