package engine

import "time"

// GridStats accumulates monotonically for the life of one bot
// instance. APY is informational only and never drives control
// decisions.
type GridStats struct {
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	RealizedPnl     float64
	UnrealizedPnl   float64
	FundingPaid     float64
	MaxDrawdown     float64
	CurrentDrawdown float64
	APY             float64
}

func (s *GridStats) recordFill(pnl float64) {
	s.TotalTrades++
	s.RealizedPnl += pnl
	if pnl >= 0 {
		s.WinningTrades++
	} else {
		s.LosingTrades++
	}
}

func (s *GridStats) updateAPY(initialEquity float64, startTime time.Time) {
	if initialEquity <= 0 {
		return
	}
	hours := time.Since(startTime).Hours()
	if hours <= 0 {
		return
	}
	totalPnl := s.RealizedPnl + s.UnrealizedPnl
	s.APY = (totalPnl / initialEquity * 100) / hours * 24 * 365
}
