package imapsession

import (
	"fmt"

	"raven/internal/msgset"
)

// Responder is the host connection's side of emitting responses and
// looking up live state. Send must write an untagged response line
// (ending in CRLF) to the client. Commands returns the command queue in
// arrival order, oldest first. NextModSeq returns the mailbox's current
// HIGHESTMODSEQ. FlagFetch is invoked with the set of UIDs whose flags
// changed and the modseq to report them at, to emit the FETCH responses
// themselves — the session only decides *when* that's safe, not how a
// FETCH response is formatted.
type Responder interface {
	Send(line string)
	Commands() []*Command
	NextModSeq() int64
	FlagFetch(uids *msgset.Set, atModSeq int64)
	SetBye(reason string)
}

// Session tracks one selected mailbox's announced state for one IMAP
// connection: which UIDs the client has been told exist, which have been
// expunged but not yet announced, and which have pending flag changes.
type Session struct {
	r Responder

	messages *msgset.Set // all UIDs currently in the mailbox, known to the session
	expunged *msgset.Set // UIDs removed from the mailbox but not yet announced
	recent   *msgset.Set // UIDs flagged \Recent

	uidnextAnnounced uint32
	existsAnnounced  uint32
	recentAnnounced  uint32
	unsolicited      bool // first SELECT/EXAMINE: EXISTS/RECENT always sent once

	changed         *msgset.Set // UIDs with flag changes pending announcement
	unannounced     *msgset.Set // UIDs touched since the last emitUpdates, not yet folded into changed
	ignorableModSeq []int64     // modseqs this session caused, so it isn't told about its own change
	nms             int64       // highest modseq we've observed
	cms             int64       // modseq we've confirmed to the client

	expungedFetched *msgset.Set // UIDs fetched after having already been expunged: a client bug
	uidnext         uint32      // mailbox's own next-UID counter, set by SetUIDNext

	emitting bool // re-entrancy guard: emitUpdates must not recurse
}

// New returns a Session with no messages yet known; call Sync once the
// mailbox is selected to seed it.
func New(r Responder) *Session {
	return &Session{
		r:               r,
		messages:        &msgset.Set{},
		expunged:        &msgset.Set{},
		recent:          &msgset.Set{},
		changed:         &msgset.Set{},
		unannounced:     &msgset.Set{},
		expungedFetched: &msgset.Set{},
		unsolicited:     true,
	}
}

// Sync seeds the session's view of the mailbox right after SELECT/
// EXAMINE, before any client command has run.
func (s *Session) Sync(messages, recent *msgset.Set) {
	s.messages = messages
	s.recent = recent
}

// SetUIDNext records the mailbox's next-UID counter, which only ever
// increases; emitExistsRecentUidnext compares against this rather than
// the largest currently-present UID, since a mailbox's last message can
// be expunged without rolling uidnext back.
func (s *Session) SetUIDNext(n uint32) {
	if n > s.uidnext {
		s.uidnext = n
	}
}

// Expunge records that uid has been removed from the mailbox; the
// EXPUNGE response itself is deferred to the next safe emitUpdates call.
func (s *Session) Expunge(uid uint32) {
	s.expunged.Add(int(uid))
}

// FlagsChanged records that uid's flags changed, to be folded into the
// next safe flag-update FETCH. causedByThisSession lets a session that
// issued the STORE itself skip being told about its own change once
// modseq atModSeq is confirmed.
func (s *Session) FlagsChanged(uid uint32, atModSeq int64, causedByThisSession bool) {
	s.unannounced.Add(int(uid))
	if atModSeq > s.nms {
		s.nms = atModSeq
	}
	if causedByThisSession {
		s.ignorableModSeq = append(s.ignorableModSeq, atModSeq)
	}
}

// EmitUpdates sends whatever untagged responses can safely go out right
// now: EXPUNGE first, then flag-update FETCH, then EXISTS/RECENT/UIDNEXT
// — in that order, because a FETCH or EXISTS sent before a pending
// EXPUNGE would describe message sequence numbers the client is about to
// have invalidated out from under it.
func (s *Session) EmitUpdates() {
	if s.emitting {
		return
	}
	s.emitting = true
	defer func() { s.emitting = false }()

	s.emitExpunges()
	s.emitFlagUpdates()
	s.unannounced.Clear()
	s.emitExistsRecentUidnext()

	if s.nms < s.r.NextModSeq() {
		s.nms = s.r.NextModSeq()
	}
	if s.changed.Count() == 0 {
		s.cms = s.nms
	}
}

// emitExpunges sends pending EXPUNGE responses if the command queue is in
// a state where that's safe: nothing may be Executing except idle, and no
// queued command uses MSNs (other than COPY, per RFC 2180 §4.4.1/2) or
// belongs to a concurrency group that forbids EXPUNGE interleaving.
func (s *Session) emitExpunges() {
	if s.expunged.Count() == 0 {
		return
	}

	can, cannot := false, false
	for _, c := range s.r.Commands() {
		switch {
		case c.State == StateExecuting && c.Name == "idle":
			can = true
		case c.State == StateExecuting:
			cannot = true
		case c.Group == GroupNoExpunge || c.Group == GroupFlagMutating:
			cannot = true
		case c.UsesMSN && c.Name != "copy":
			cannot = true
		case c.State == StateFinished:
			can = true
		}
		if cannot {
			break
		}
	}
	if cannot || !can {
		return
	}

	live := s.messages.Clone()
	s.expungedFetched.RemoveSet(s.expunged)

	for s.expunged.Count() > 0 {
		uid := s.expunged.Value(1)
		msn := live.Index(uid)
		s.expunged.Remove(uid)
		live.Remove(uid)
		s.r.Send(fmt.Sprintf("* %d EXPUNGE\r\n", msn))
		if s.existsAnnounced > 0 {
			s.existsAnnounced--
		}
	}
	s.messages = live
}

// emitExistsRecentUidnext sends EXISTS, RECENT and the UIDNEXT status
// response once uidnext has advanced, per the same "only on change"
// discipline as the flag-update path: a client that already knows the
// count shouldn't be told again.
func (s *Session) emitExistsRecentUidnext() {
	n := s.uidnext
	if n <= s.uidnextAnnounced {
		return
	}

	count := uint32(s.messages.Count())
	if count != s.existsAnnounced || s.uidnextAnnounced == 0 {
		s.r.Send(fmt.Sprintf("* %d EXISTS\r\n", count))
	}

	if s.unsolicited {
		cmds := s.r.Commands()
		if len(cmds) > 0 && cmds[0].State == StateFinished {
			s.unsolicited = false
		} else {
			return
		}
	}
	s.existsAnnounced = count

	recentCount := uint32(s.recent.Count())
	if recentCount != s.recentAnnounced || s.uidnextAnnounced == 0 {
		s.recentAnnounced = recentCount
		s.r.Send(fmt.Sprintf("* %d RECENT\r\n", recentCount))
	}

	s.uidnextAnnounced = n
	s.r.Send(fmt.Sprintf("* OK [UIDNEXT %d] next uid\r\n", n))
}

// emitFlagUpdates issues a flag-update FETCH for whatever UIDs have
// changed since the client's confirmed modseq, but only while a command
// is Executing — a client not waiting on anything shouldn't be pushed
// unsolicited FETCH traffic outside IDLE (IDLE's own handler drives this
// differently).
func (s *Session) emitFlagUpdates() {
	if s.nms == 0 {
		return
	}
	if s.cms >= s.r.NextModSeq() {
		return
	}

	s.changed.AddSet(s.unannounced.Intersection(s.messages))
	if s.changed.Count() == 0 {
		return
	}

	cmds := s.r.Commands()
	if len(cmds) == 0 || cmds[0].State != StateExecuting {
		return
	}

	for len(s.ignorableModSeq) > 0 {
		found := false
		kept := s.ignorableModSeq[:0]
		for _, m := range s.ignorableModSeq {
			switch {
			case s.cms > m:
				// already past it, drop
			case s.cms == m:
				found = true
			default:
				kept = append(kept, m)
			}
		}
		s.ignorableModSeq = kept
		if found {
			s.cms++
		} else {
			s.ignorableModSeq = nil
		}
	}

	s.r.FlagFetch(s.changed, s.cms-1)
	s.changed = &msgset.Set{}
}

// RecordExpungedFetch notes that set was just fetched. If any UID in set
// had already been recorded as fetched-after-expunge, the client is
// relying on data it was already told doesn't exist — a protocol
// violation serious enough that the session closes the connection rather
// than risk further corruption of the client's view.
func (s *Session) RecordExpungedFetch(set *msgset.Set) {
	already := set.Intersection(s.expungedFetched)
	s.expungedFetched.AddSet(set)
	if already.Count() == 0 {
		return
	}

	s.r.Send(fmt.Sprintf("* BYE [CLIENTBUG] These messages have been expunged: %s\r\n", set.Set()))
	s.r.SetBye("expunged messages refetched")
}
