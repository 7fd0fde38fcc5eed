package message

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"net"
	"strconv"
	"strings"
	"time"

	"raven/internal/db"
	"raven/internal/delivery/parser"
	"raven/internal/fetchbuilder"
	"raven/internal/models"
	"raven/internal/msgset"
	"raven/internal/server/response"
)

// ===== FETCH =====

// HandleFetchForUIDs handles FETCH for a list of UIDs (used by UID FETCH command)
func HandleFetchForUIDs(deps ServerDeps, conn net.Conn, tag string, uids []int, items string, state *models.ClientState) {
	// Get appropriate database (user or role mailbox)
	targetDB, _, err := deps.GetSelectedDB(state)
	if err != nil {
		return
	}

	var notFound *msgset.Set
	if state.IMAPSession != nil {
		notFound = &msgset.Set{}
	}

	for _, uid := range uids {
		// Get message details by UID
		var messageID int64
		var seqNum int
		var flags sql.NullString

		err := targetDB.QueryRow(`
			SELECT mm.message_id, mm.flags,
				(SELECT COUNT(*) FROM message_mailbox mm2
				 WHERE mm2.mailbox_id = mm.mailbox_id AND mm2.uid <= mm.uid) as seq_num
			FROM message_mailbox mm
			WHERE mm.mailbox_id = ? AND mm.uid = ?
		`, state.SelectedMailboxID, uid).Scan(&messageID, &flags, &seqNum)

		if err != nil {
			// Non-existent UID is silently ignored, unless it's one the
			// session already knows was expunged out from under this
			// connection.
			if notFound != nil {
				notFound.Add(uid)
			}
			continue
		}

		// Process this message using the same logic as handleFetch
		processFetchForMessage(deps, conn, messageID, int64(uid), seqNum, flags.String, items, state)
	}

	if notFound != nil && notFound.Count() > 0 {
		state.IMAPSession.RecordExpungedFetch(notFound)
	}
}

func HandleFetch(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if !state.Authenticated {
		deps.SendResponse(conn, fmt.Sprintf("%s NO Please authenticate first", tag))
		return
	}

	if state.SelectedMailboxID == 0 {
		deps.SendResponse(conn, fmt.Sprintf("%s NO No folder selected", tag))
		return
	}

	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD FETCH requires sequence and items", tag))
		return
	}

	// Get appropriate database (user or role mailbox)
	targetDB, _, err := deps.GetSelectedDB(state)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO Database error", tag))
		return
	}

	sequence := parts[2]
	items := strings.Join(parts[3:], " ")

	// Handle FETCH macros: ALL, FAST, FULL
	itemsUpper := strings.ToUpper(strings.TrimSpace(items))
	switch itemsUpper {
	case "ALL":
		items = "FLAGS INTERNALDATE RFC822.SIZE ENVELOPE"
	case "FAST":
		items = "FLAGS INTERNALDATE RFC822.SIZE"
	case "FULL":
		items = "FLAGS INTERNALDATE RFC822.SIZE ENVELOPE BODY"
	default:
		// Remove parentheses if present
		items = strings.Trim(items, "()")
	}

	var rows *sql.Rows

	// Support for sequence ranges (e.g., 1:2, 2:4, 1:*, *)
	seqRange := strings.Split(sequence, ":")
	var start, end int
	var useRange bool

	if len(seqRange) == 2 {
		useRange = true
		if seqRange[0] == "*" {
			start = -1 // will handle below
		} else {
			start, err = strconv.Atoi(seqRange[0])
			if err != nil || start < 1 {
				deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid sequence number", tag))
				return
			}
		}
		if seqRange[1] == "*" {
			// Get max count for end using new schema
			end, _ = db.GetMessageCountPerUser(targetDB, state.SelectedMailboxID)
		} else {
			end, err = strconv.Atoi(seqRange[1])
			if err != nil || end < 1 {
				deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid sequence number", tag))
				return
			}
		}
		if start == -1 {
			start = end
		}
		if end < start {
			end = start
		}
		// Query message_mailbox for messages in selected mailbox using new schema
		query := `SELECT mm.message_id, mm.uid, mm.flags
		          FROM message_mailbox mm
		          WHERE mm.mailbox_id = ?
		          ORDER BY mm.uid ASC LIMIT ? OFFSET ?`
		rows, err = targetDB.Query(query, state.SelectedMailboxID, end-start+1, start-1)
	} else if sequence == "1:*" || sequence == "*" {
		query := `SELECT mm.message_id, mm.uid, mm.flags
		          FROM message_mailbox mm
		          WHERE mm.mailbox_id = ?
		          ORDER BY mm.uid ASC`
		rows, err = targetDB.Query(query, state.SelectedMailboxID)
	} else {
		msgNum, parseErr := strconv.Atoi(sequence)
		if parseErr != nil {
			deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid sequence number", tag))
			return
		}
		query := `SELECT mm.message_id, mm.uid, mm.flags
		          FROM message_mailbox mm
		          WHERE mm.mailbox_id = ?
		          ORDER BY mm.uid ASC LIMIT 1 OFFSET ?`
		rows, err = targetDB.Query(query, state.SelectedMailboxID, msgNum-1)
	}

	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO Database error", tag))
		return
	}
	defer func() { _ = rows.Close() }()

	seqNum := 1
	if useRange {
		seqNum = start
	}
	for rows.Next() {
		var messageID int64
		var uid int64
		var flagsStr sql.NullString
		if err := rows.Scan(&messageID, &uid, &flagsStr); err != nil {
			continue
		}

		flags := ""
		if flagsStr.Valid {
			flags = flagsStr.String
		}

		// Process this message
		processFetchForMessage(deps, conn, messageID, uid, seqNum, flags, items, state)
		seqNum++
	}

	deps.SendResponse(conn, fmt.Sprintf("%s OK FETCH completed", tag))
}

// processFetchForMessage processes a single message for FETCH/UID FETCH
func processFetchForMessage(deps ServerDeps, conn net.Conn, messageID, uid int64, seqNum int, flags, items string, state *models.ClientState) {
	// Get appropriate database (user or role mailbox)
	targetDB, _, err := deps.GetSelectedDB(state)
	if err != nil {
		return
	}

	// Lazy-load the full reconstructed message only when needed, checking
	// the process-wide message cache first so repeated FETCHes against a
	// hot mailbox (IDLE clients re-fetching the same recent messages)
	// skip re-reading and re-assembling the MIME tree from storage.
	cache := deps.GetMessageCache()
	var rawMsg string
	var rawMsgErr error
	loadRawMsg := func() string {
		if rawMsg != "" || rawMsgErr != nil {
			return rawMsg
		}
		if cache != nil {
			if cached, ok := cache.Find(state.SelectedMailboxID, uint32(uid)); ok {
				if s, ok := cached.(string); ok {
					rawMsg = s
					return rawMsg
				}
			}
		}
		rawMsg, rawMsgErr = parser.ReconstructMessage(targetDB, messageID)
		if rawMsgErr != nil {
			return ""
		}
		if !strings.Contains(rawMsg, "\r\n") {
			rawMsg = strings.ReplaceAll(rawMsg, "\n", "\r\n")
		}
		if cache != nil {
			cache.Insert(state.SelectedMailboxID, uint32(uid), rawMsg)
		}
		return rawMsg
	}

	itemsUpper := strings.ToUpper(items)
		responseParts := []string{}
		var literalData string // Store literal data separately

		if strings.Contains(itemsUpper, "UID") {
			responseParts = append(responseParts, fmt.Sprintf("UID %d", uid))
		}
		if strings.Contains(itemsUpper, "FLAGS") {
			if flags == "" {
				flags = "()"
			} else {
				flags = fmt.Sprintf("(%s)", flags)
			}
			responseParts = append(responseParts, fmt.Sprintf("FLAGS %s", flags))
		}
		if strings.Contains(itemsUpper, "INTERNALDATE") {
			var internalDate time.Time
			// Query message_mailbox for internal_date using new schema
			query := "SELECT internal_date FROM message_mailbox WHERE message_id = ? AND mailbox_id = ?"
			err := targetDB.QueryRow(query, messageID, state.SelectedMailboxID).Scan(&internalDate)

			var dateStr string
			if err != nil || internalDate.IsZero() {
				dateStr = "01-Jan-1970 00:00:00 +0000"
			} else {
				// Format as RFC 3501: "02-Jan-2006 15:04:05 -0700"
				dateStr = internalDate.Format("02-Jan-2006 15:04:05 -0700")
			}
			responseParts = append(responseParts, fmt.Sprintf("INTERNALDATE \"%s\"", dateStr))
		}
		if strings.Contains(itemsUpper, "RFC822.SIZE") {
			msg := loadRawMsg()
			responseParts = append(responseParts, fmt.Sprintf("RFC822.SIZE %d", len(msg)))
		}

		// Handle ENVELOPE
		if strings.Contains(itemsUpper, "ENVELOPE") {
			msg := loadRawMsg()
			envelope := response.BuildEnvelope(msg)
			responseParts = append(responseParts, envelope)
		}

		// Handle BODYSTRUCTURE
		if strings.Contains(itemsUpper, "BODYSTRUCTURE") {
			msg := loadRawMsg()
			bodyStructure := response.BuildBodyStructure(msg)
			responseParts = append(responseParts, bodyStructure)
		}

		// Handle BODY (non-extensible BODYSTRUCTURE)
		if strings.Contains(itemsUpper, "BODY") && !strings.Contains(itemsUpper, "BODY[") && !strings.Contains(itemsUpper, "BODY.PEEK") && !strings.Contains(itemsUpper, "BODYSTRUCTURE") {
			// BODY is the non-extensible form of BODYSTRUCTURE
			msg := loadRawMsg()
			bodyStructure := response.BuildBodyStructure(msg)
			// Replace BODYSTRUCTURE with BODY in the response
			bodyStructure = strings.Replace(bodyStructure, "BODYSTRUCTURE", "BODY", 1)
			responseParts = append(responseParts, bodyStructure)
		}

		// Handle BODY[section]<partial>, BODY.PEEK[section]<partial>,
		// BINARY[section]<partial>, BINARY.PEEK[section]<partial> and
		// BINARY.SIZE[section] by parsing the reconstructed message once
		// into a MIME tree and rendering each requested section against
		// it, rather than re-scanning the raw bytes per section kind.
		for _, tok := range scanSectionTokens(items, itemsUpper) {
			sec, err := fetchbuilder.ParseSection(tok.spec)
			if err != nil {
				responseParts = append(responseParts, fmt.Sprintf("%s NIL", tok.echoLabel()))
				continue
			}

			part, perr := fetchbuilder.ParsePart([]byte(loadRawMsg()))
			if perr != nil {
				responseParts = append(responseParts, fmt.Sprintf("%s NIL", tok.echoLabel()))
				continue
			}

			if tok.binarySize {
				target, lerr := part.Locate(sec.Part)
				if lerr != nil {
					responseParts = append(responseParts, fmt.Sprintf("%s 0", tok.echoLabel()))
					continue
				}
				decoded := decodeTransferEncoding(target.RawBody, target.Header.Get("Content-Transfer-Encoding"))
				if sec.Partial != nil {
					decoded = fetchbuilder.ApplyPartial(decoded, sec.Partial)
				}
				responseParts = append(responseParts, fmt.Sprintf("%s %d", tok.echoLabel(), len(decoded)))
				continue
			}

			var payload []byte
			if tok.binary {
				target, lerr := part.Locate(sec.Part)
				if lerr != nil {
					responseParts = append(responseParts, fmt.Sprintf("%s NIL", tok.echoLabel()))
					continue
				}
				payload = decodeTransferEncoding(target.RawBody, target.Header.Get("Content-Transfer-Encoding"))
				if sec.Partial != nil {
					payload = fetchbuilder.ApplyPartial(payload, sec.Partial)
				}
			} else {
				rendered, rerr := fetchbuilder.Render(part, sec)
				if rerr != nil {
					responseParts = append(responseParts, fmt.Sprintf("%s NIL", tok.echoLabel()))
					continue
				}
				payload = rendered
			}

			if literalData != "" {
				literalData += " "
			}
			label := tok.echoLabel()
			if sec.Partial != nil {
				label = fmt.Sprintf("%s<%d>", label, sec.Partial.Start)
			}
			responseParts = append(responseParts, label)
			literalData += fmt.Sprintf("{%d}\r\n%s", len(payload), payload)
		}

		// RFC822.HEADER/RFC822.TEXT/bare RFC822 are the pre-BODY[] aliases
		// RFC 3501 §6.4.5 still requires: HEADER, TEXT and the full message
		// respectively.
		if strings.Contains(itemsUpper, "RFC822.HEADER") {
			if sec, err := fetchbuilder.ParseSection("HEADER"); err == nil {
				if part, err := fetchbuilder.ParsePart([]byte(loadRawMsg())); err == nil {
					if payload, err := fetchbuilder.Render(part, sec); err == nil {
						if literalData != "" {
							literalData += " "
						}
						responseParts = append(responseParts, "RFC822.HEADER")
						literalData += fmt.Sprintf("{%d}\r\n%s", len(payload), payload)
					}
				}
			}
		}

		if strings.Contains(itemsUpper, "RFC822.TEXT") {
			if sec, err := fetchbuilder.ParseSection("TEXT"); err == nil {
				if part, err := fetchbuilder.ParsePart([]byte(loadRawMsg())); err == nil {
					if payload, err := fetchbuilder.Render(part, sec); err == nil {
						if literalData != "" {
							literalData += " "
						}
						responseParts = append(responseParts, "RFC822.TEXT")
						literalData += fmt.Sprintf("{%d}\r\n%s", len(payload), payload)
					}
				}
			}
		}

		if strings.Contains(itemsUpper, "RFC822.PEEK") ||
			(strings.Contains(itemsUpper, "RFC822") && !strings.Contains(itemsUpper, "RFC822.SIZE") &&
				!strings.Contains(itemsUpper, "RFC822.HEADER") && !strings.Contains(itemsUpper, "RFC822.TEXT")) {
			msg := loadRawMsg()
			if literalData != "" {
				literalData += " "
			}
			responseParts = append(responseParts, "BODY[]")
			literalData += fmt.Sprintf("{%d}\r\n%s", len(msg), msg)
		}

	if len(responseParts) > 0 {
		responseStr := fmt.Sprintf("* %d FETCH (%s", seqNum, strings.Join(responseParts, " "))
		if literalData != "" {
			responseStr += " " + literalData + ")"
		} else {
			responseStr += ")"
		}
		deps.SendResponse(conn, responseStr)
	} else {
		deps.SendResponse(conn, fmt.Sprintf("* %d FETCH (FLAGS ())", seqNum))
	}
}

// sectionToken is one BODY[...]/BINARY[...] occurrence found in a FETCH
// items string, with its original prefix preserved for echoing back in
// the response (BODY.PEEK[x] still echoes as BODY[x], per RFC 3501
// §6.4.5; BINARY.PEEK[x] echoes as BINARY[x], per RFC 3516 §3).
type sectionToken struct {
	spec       string // text between [ and ]
	binary     bool   // BINARY[...] / BINARY.PEEK[...]
	binarySize bool   // BINARY.SIZE[...]
}

func (t sectionToken) echoLabel() string {
	switch {
	case t.binarySize:
		return fmt.Sprintf("BINARY.SIZE[%s]", t.spec)
	case t.binary:
		return fmt.Sprintf("BINARY[%s]", t.spec)
	default:
		return fmt.Sprintf("BODY[%s]", t.spec)
	}
}

// scanSectionTokens finds every BODY[...], BODY.PEEK[...], BINARY[...],
// BINARY.PEEK[...] and BINARY.SIZE[...] occurrence in items, returning
// each section's bracket contents (with <partial> folded into the spec
// by fetchbuilder.ParseSection) and which family it belongs to.
func scanSectionTokens(items, itemsUpper string) []sectionToken {
	type prefix struct {
		tag        string
		binary     bool
		binarySize bool
	}
	prefixes := []prefix{
		{"BINARY.SIZE[", false, true},
		{"BINARY.PEEK[", true, false},
		{"BINARY[", true, false},
		{"BODY.PEEK[", false, false},
		{"BODY[", false, false},
	}

	var tokens []sectionToken
	pos := 0
	for pos < len(itemsUpper) {
		bestIdx := -1
		var bestPrefix prefix
		for _, p := range prefixes {
			if idx := strings.Index(itemsUpper[pos:], p.tag); idx >= 0 {
				if bestIdx == -1 || idx < bestIdx {
					bestIdx = idx
					bestPrefix = p
				}
			}
		}
		if bestIdx == -1 {
			break
		}

		start := pos + bestIdx + len(bestPrefix.tag)
		end := strings.Index(itemsUpper[start:], "]")
		if end == -1 {
			break
		}
		end = start + end

		spec := items[start:end]
		next := end + 1
		if next < len(itemsUpper) && itemsUpper[next] == '<' {
			closeIdx := strings.Index(itemsUpper[next:], ">")
			if closeIdx != -1 {
				spec += items[next : next+closeIdx+1]
				next = next + closeIdx + 1
			}
		}

		tokens = append(tokens, sectionToken{spec: spec, binary: bestPrefix.binary, binarySize: bestPrefix.binarySize})
		pos = next
	}
	return tokens
}

// decodeTransferEncoding reverses the Content-Transfer-Encoding RFC 3516
// BINARY fetches promise to undo: base64 and quoted-printable. Any other
// (or absent) encoding is passed through unchanged, matching 7BIT/8BIT's
// identity transform.
func decodeTransferEncoding(data []byte, cte string) []byte {
	switch strings.ToUpper(strings.TrimSpace(cte)) {
	case "BASE64":
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(data))
		if err != nil {
			return data
		}
		return decoded[:n]
	case "QUOTED-PRINTABLE":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data
		}
		return out
	default:
		return data
	}
}

