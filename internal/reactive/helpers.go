package reactive

import (
	"regexp"
	"strconv"
	"time"
)

var (
	remindRe = regexp.MustCompile(`(?i)^(remind me( to| about)?|recu[eé]rdame) `)
	forgetRe = regexp.MustCompile(`(?i)^(/?forget|olvida|cancel(a)? (the )?(followup|recordatorio)( de| sobre)?) `)
	searchRe = regexp.MustCompile(`(?i)^(/?search|busca(r)?) `)
)

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func startOfToday(loc *time.Location) int64 {
	now := time.Now().In(loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UnixMilli()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
