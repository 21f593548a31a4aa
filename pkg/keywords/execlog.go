package keywords

import "time"

// ExecutionLog is the append-only record of one execution attempt.
// Rows are never updated or deleted.
type ExecutionLog struct {
	ID            int64     `json:"id"`
	KeywordID     int64     `json:"keyword_id"`
	Agent         string    `json:"agent"`
	Success       bool      `json:"success"`
	ProductFound  bool      `json:"product_found"`
	ProductRank   *int      `json:"product_rank,omitempty"`
	URLRank       *int      `json:"url_rank,omitempty"`
	PagesSearched int       `json:"pages_searched"`
	CartClicked   bool      `json:"cart_clicked"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Browser       string    `json:"browser_used"`
	ProxyUsed     string    `json:"proxy_used"`
	ActualIP      *string   `json:"actual_ip,omitempty"`
	FinalURL      *string   `json:"final_url,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}
