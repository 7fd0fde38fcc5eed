package fetchbuilder

import (
	"fmt"
	"strings"
)

// BuildEnvelope builds the ENVELOPE structure for msg's own header:
// (date subject from sender reply-to to cc bcc in-reply-to message-id),
// per RFC 3501 §7.4.2. Sender and Reply-To default to From when absent,
// matching RFC 5322 §3.6.2's "defaults to the From field" rule.
func BuildEnvelope(msg *Part) string {
	date := msg.Header.Get("Date")
	subject := msg.Header.Get("Subject")
	from := msg.Header.Get("From")
	sender := msg.Header.Get("Sender")
	replyTo := msg.Header.Get("Reply-To")
	to := msg.Header.Get("To")
	cc := msg.Header.Get("Cc")
	bcc := msg.Header.Get("Bcc")
	inReplyTo := msg.Header.Get("In-Reply-To")
	messageID := msg.Header.Get("Message-Id")

	if sender == "" {
		sender = from
	}
	if replyTo == "" {
		replyTo = from
	}

	return fmt.Sprintf("ENVELOPE (%s %s %s %s %s %s %s %s %s %s)",
		quoteOrNIL(date),
		quoteOrNIL(subject),
		parseAddressList(from),
		parseAddressList(sender),
		parseAddressList(replyTo),
		parseAddressList(to),
		parseAddressList(cc),
		parseAddressList(bcc),
		quoteOrNIL(inReplyTo),
		quoteOrNIL(messageID),
	)
}

// quoteOrNIL quotes str as an IMAP quoted string, escaping backslash and
// double-quote, or returns the literal NIL when str is empty.
func quoteOrNIL(str string) string {
	if str == "" {
		return "NIL"
	}
	str = strings.ReplaceAll(str, "\\", "\\\\")
	str = strings.ReplaceAll(str, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", str)
}

// parseAddressList renders a header value holding a comma-separated
// address list as an IMAP address-list structure:
// ((name route mailbox host) ...) or NIL when empty. route is always NIL
// since source routes are obsolete per RFC 5322 Appendix B.
func parseAddressList(addresses string) string {
	if addresses == "" {
		return "NIL"
	}

	var structs []string
	for _, addr := range strings.Split(addresses, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}

		name, email := "", addr
		if start := strings.IndexByte(addr, '<'); start >= 0 {
			if end := strings.IndexByte(addr, '>'); end > start {
				name = strings.Trim(strings.TrimSpace(addr[:start]), "\"")
				email = addr[start+1 : end]
			}
		}

		mailbox, host := email, ""
		if at := strings.IndexByte(email, '@'); at >= 0 {
			mailbox, host = email[:at], email[at+1:]
		}

		structs = append(structs, fmt.Sprintf("(%s NIL %s %s)",
			quoteOrNIL(name), quoteOrNIL(mailbox), quoteOrNIL(host)))
	}

	if len(structs) == 0 {
		return "NIL"
	}
	return "(" + strings.Join(structs, " ") + ")"
}
