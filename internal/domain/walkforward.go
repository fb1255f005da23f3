package domain

// WindowMetrics are aggregate trade metrics over one test window.
// All decision-driving values derive from net PnL; gross PnL is
// informational only.
type WindowMetrics struct {
	Trades       int     `json:"trades"`
	NetPnLUSD    float64 `json:"net_pnl_usd"`
	GrossPnLUSD  float64 `json:"gross_pnl_usd"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Sharpe       float64 `json:"sharpe"`
	MedianNetPnL float64 `json:"median_net_pnl"`
}

// FoldResult is one rolling train/test split outcome for a policy.
type FoldResult struct {
	Fold        int           `json:"fold"`
	TrainFromMs int64         `json:"train_from_ms"`
	TrainToMs   int64         `json:"train_to_ms"`
	TestFromMs  int64         `json:"test_from_ms"`
	TestToMs    int64         `json:"test_to_ms"`
	Active      WindowMetrics `json:"active"`
	Candidate   WindowMetrics `json:"candidate"`
}

// WalkForwardRun is the persisted audit record of one evaluator run,
// promoted or not.
type WalkForwardRun struct {
	RunID            string
	StartedAtMs      int64
	WindowFromMs     int64
	WindowToMs       int64
	ActiveVersion    int64
	CandidateVersion int64 // version assigned on promotion, 0 otherwise
	Folds            []FoldResult
	Promoted         bool
	Reason           string
}
