package store

import (
	"time"
)

// RetentionPolicy is the age cap per append surface, applied by the weekly
// maintenance hook. Zero values fall back to defaults.
type RetentionPolicy struct {
	Costs            time.Duration
	ResolvedErrors   time.Duration
	ReplyOutcomes    time.Duration
	ConcludedJournal time.Duration
	Learning         time.Duration
	Messages         time.Duration
}

// DefaultRetention mirrors the documented sweeper windows.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Costs:            90 * 24 * time.Hour,
		ResolvedErrors:   30 * 24 * time.Hour,
		ReplyOutcomes:    30 * 24 * time.Hour,
		ConcludedJournal: 90 * 24 * time.Hour,
		Learning:         90 * 24 * time.Hour,
		Messages:         180 * 24 * time.Hour,
	}
}

// SweepResult counts rows removed per surface.
type SweepResult struct {
	Costs    int64
	Errors   int64
	Outcomes int64
	Journal  int64
	Learning int64
	Messages int64
}

// Sweep applies the retention policy. Each surface is swept independently;
// one failing delete does not stop the rest.
func (s *Store) Sweep(p RetentionPolicy) SweepResult {
	def := DefaultRetention()
	if p.Costs <= 0 {
		p.Costs = def.Costs
	}
	if p.ResolvedErrors <= 0 {
		p.ResolvedErrors = def.ResolvedErrors
	}
	if p.ReplyOutcomes <= 0 {
		p.ReplyOutcomes = def.ReplyOutcomes
	}
	if p.ConcludedJournal <= 0 {
		p.ConcludedJournal = def.ConcludedJournal
	}
	if p.Learning <= 0 {
		p.Learning = def.Learning
	}
	if p.Messages <= 0 {
		p.Messages = def.Messages
	}

	var res SweepResult
	res.Costs = s.sweepExec(`DELETE FROM costs WHERE ts < ?`, cutoff(p.Costs))
	res.Errors = s.sweepExec(`DELETE FROM errors WHERE resolved = 1 AND ts < ?`, cutoff(p.ResolvedErrors))
	res.Outcomes = s.sweepExec(`DELETE FROM reply_outcomes WHERE ts < ?`, cutoff(p.ReplyOutcomes))
	res.Journal = s.sweepExec(`DELETE FROM reasoning_journal WHERE status = 'concluded' AND updated_at < ?`, cutoff(p.ConcludedJournal))
	res.Learning = s.sweepExec(`DELETE FROM learning_journal WHERE ts < ?`, cutoff(p.Learning))
	res.Messages = s.sweepExec(`DELETE FROM messages WHERE ts < ?`, cutoff(p.Messages))

	if _, err := s.db.Exec(`PRAGMA optimize`); err != nil {
		s.logger.Warn("pragma optimize failed", "error", err)
	}
	return res
}

func (s *Store) sweepExec(query string, args ...any) int64 {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		s.logger.Warn("retention sweep failed", "query", query, "error", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

func cutoff(age time.Duration) int64 {
	return time.Now().Add(-age).UnixMilli()
}
