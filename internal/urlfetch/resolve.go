package urlfetch

import (
	"fmt"
	"time"

	"raven/internal/authtoken"
)

// UserState mirrors the three states a referenced user can be in.
type UserState int

const (
	UserUnverified UserState = iota
	UserNonexistent
	UserActive
)

// UserLookup resolves the embedded user reference of a URL.
type UserLookup interface {
	LookupUser(name string) (state UserState, userID int64, err error)
}

// MailboxInfo is the subset of mailbox state the resolver needs.
type MailboxInfo struct {
	ID          int64
	UIDValidity uint32
}

// MailboxLookup resolves a mailbox by name within a user's namespace.
type MailboxLookup interface {
	LookupMailbox(userID int64, name string) (*MailboxInfo, error)
}

// PermissionChecker reports whether userID may read mailboxID. A
// single checker is shared across every URL in one Resolve call, the
// same aggregation the original fetcher did before issuing any fetch.
type PermissionChecker interface {
	CanRead(userID, mailboxID int64) bool
}

// KeyStore fetches the per-(user,mailbox) access key minted for
// URLAUTH tokens.
type KeyStore interface {
	AccessKey(userID, mailboxID int64) (string, error)
}

// SectionFetcher renders the requested section of one message.
type SectionFetcher interface {
	Fetch(mailboxID int64, uid uint32, section string) ([]byte, error)
}

// Deps bundles the collaborators Resolve needs; nil fields are treated
// as "deny" rather than panicking, except SectionFetcher which is
// required.
type Deps struct {
	Users       UserLookup
	Mailboxes   MailboxLookup
	Permissions PermissionChecker
	Keys        KeyStore
	Fetcher     SectionFetcher
	Now         func() time.Time
}

// BadURLError reports which URL in the batch failed and why, for the
// BADURL resp-text-code.
type BadURLError struct {
	URL    string
	Reason string
}

func (e *BadURLError) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.URL, e.Reason)
}

// Result pairs a resolved URL with its fetched bytes.
type Result struct {
	URL  *URL
	Data []byte
}

// Resolve walks urls in order, stopping at the first one that fails
// any check, mirroring the original fetcher's fail-fast batch
// semantics: one bad URL in a BURL/CATENATE list aborts the whole
// command rather than silently skipping it.
func Resolve(urls []*URL, d Deps) ([]Result, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	results := make([]Result, 0, len(urls))
	for _, u := range urls {
		data, err := resolveOne(u, d, now())
		if err != nil {
			return nil, err
		}
		results = append(results, Result{URL: u, Data: data})
	}
	return results, nil
}

func resolveOne(u *URL, d Deps, now time.Time) ([]byte, error) {
	if d.Users == nil {
		return nil, &BadURLError{u.Raw, "no user directory configured"}
	}
	state, userID, err := d.Users.LookupUser(u.User)
	if err != nil || state != UserActive {
		return nil, &BadURLError{u.Raw, "invalid URL"}
	}

	if d.Mailboxes == nil {
		return nil, &BadURLError{u.Raw, "no mailbox directory configured"}
	}
	mbx, err := d.Mailboxes.LookupMailbox(userID, u.Mailbox)
	if err != nil || mbx == nil {
		return nil, &BadURLError{u.Raw, "invalid URL"}
	}
	if u.UIDValidity != 0 && mbx.UIDValidity != u.UIDValidity {
		return nil, &BadURLError{u.Raw, "invalid URL"}
	}

	if d.Permissions == nil || !d.Permissions.CanRead(userID, mbx.ID) {
		return nil, &BadURLError{u.Raw, "invalid URL"}
	}

	if u.Auth != nil {
		if d.Keys == nil {
			return nil, &BadURLError{u.Raw, "invalid URL"}
		}
		key, err := d.Keys.AccessKey(userID, mbx.ID)
		if err != nil {
			return nil, &BadURLError{u.Raw, "invalid URL"}
		}
		if !authtoken.VerifyURLAuthToken(key, u.Rump, u.Auth.Token) {
			return nil, &BadURLError{u.Raw, "invalid URL"}
		}
		if u.Expires != nil && now.After(*u.Expires) {
			return nil, &BadURLError{u.Raw, "invalid URL"}
		}
	}

	if d.Fetcher == nil {
		return nil, &BadURLError{u.Raw, "no fetcher configured"}
	}
	data, err := d.Fetcher.Fetch(mbx.ID, u.UID, u.Section)
	if err != nil {
		return nil, &BadURLError{u.Raw, "invalid URL"}
	}
	return data, nil
}
