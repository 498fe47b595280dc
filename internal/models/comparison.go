package models

// Classification is the reconciliation verdict for one symbol.
type Classification string

const (
	ClassMatch    Classification = "MATCH"
	ClassModified Classification = "MODIFIED"
	ClassError    Classification = "ERROR"
)

// ComparisonResult compares expected and broker-reported holdings for a symbol.
type ComparisonResult struct {
	Symbol         string         `json:"symbol"`
	ExpectedShares int            `json:"expected_shares"`
	ActualShares   int            `json:"actual_shares"`
	UsableShares   int            `json:"usable_shares"`
	ExcessShares   int            `json:"excess_shares"`
	Price          float64        `json:"price"`
	UsableValue    float64        `json:"usable_value"`
	Classification Classification `json:"classification"`
	Warning        string         `json:"warning,omitempty"`
}
