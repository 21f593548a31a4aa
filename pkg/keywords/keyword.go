package keywords

import (
	"time"
)

// Keyword represents one schedulable unit of search-and-click work.
// A keyword is bound to a calendar date, an agent and a browser engine,
// and is retired automatically once CurrentExecutions reaches
// MaxExecutions.
type Keyword struct {
	ID          int64     `json:"id"`
	Agent       string    `json:"agent"`
	Browser     string    `json:"browser"`
	Date        time.Time `json:"date"`
	Keyword     string    `json:"keyword"`
	Suffix      string    `json:"suffix,omitempty"`
	ProductCode string    `json:"product_code"`

	CartClick         bool   `json:"cart_click_enabled"`
	ProxyMode         string `json:"proxy_mode,omitempty"` // empty = direct connection
	IPChange          bool   `json:"ip_change_enabled"`
	AllowDuplicateIP  bool   `json:"allow_duplicate_ip"`
	PersistentProfile bool   `json:"persistent_profile"`
	ProfileName       string `json:"profile_name,omitempty"`
	ClearSession      bool   `json:"clear_session"`

	CurrentExecutions int        `json:"current_executions"`
	MaxExecutions     int        `json:"max_executions"`
	SuccessCount      int        `json:"success_count"`
	FailCount         int        `json:"fail_count"`
	LastExecutedAt    *time.Time `json:"last_executed_at,omitempty"`

	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchPhrase returns the effective search phrase. An absent suffix
// contributes nothing; no separator is inserted between the parts.
func (k *Keyword) SearchPhrase() string {
	return k.Keyword + k.Suffix
}

// Exhausted reports whether the keyword has used up its execution
// budget and must never be claimed again.
func (k *Keyword) Exhausted() bool {
	return k.CurrentExecutions >= k.MaxExecutions
}
