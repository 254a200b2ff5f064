package engine

import "context"

// QueryResult is the outcome of a one-shot, non-streaming prompt.
type QueryResult struct {
	Result          string  `json:"result"`
	EngineSessionID string  `json:"engineSessionId,omitempty"`
	CostUSD         float64 `json:"cost,omitempty"`
	DurationMS      int64   `json:"duration,omitempty"`
	IsError         bool    `json:"isError,omitempty"`
}

// RunOnce drains a single turn and returns its terminal result. Assistant
// text is used as a fallback when the terminal event carries no result text.
func RunOnce(ctx context.Context, eng Engine, prompt string, opts Options) (*QueryResult, error) {
	st, err := eng.Stream(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}

	res := &QueryResult{}
	var assistantText string
	for ev := range st.Events() {
		switch ev.Type {
		case EventSystem:
			if ev.Subtype == "init" {
				res.EngineSessionID = ev.EngineSessionID
			}
		case EventAssistant:
			assistantText += ev.Text
		case EventResult:
			res.Result = ev.ResultText
			res.CostUSD = ev.CostUSD
			res.DurationMS = ev.DurationMS
			res.IsError = !ev.Success
		}
	}
	if err := st.Err(); err != nil {
		return nil, err
	}
	if res.Result == "" {
		res.Result = assistantText
	}
	return res, nil
}
