package consts

// Quality mark bits stored in a message's spam_score field. A non-zero
// score marks the message as degraded in some way without excluding it
// from the archive.
const (
	MarkNonASCIIHeader = 0b0001 // a header failed clean decoding
	MarkNoReceivedDate = 0b0010 // no parseable date, ingestion time substituted
	MarkNoMessageID    = 0b0100 // Message-ID absent, synthetic msgid assigned
	MarkHasHTMLPart    = 0b1000 // message carries a text/html part
)

// HasMark reports whether the given mark bit is set in score.
func HasMark(score, mark int) bool {
	return score&mark != 0
}
