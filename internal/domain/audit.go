package domain

import "time"

// AuditEntry is one recorded lifecycle action for a buyer.
type AuditEntry struct {
	Action    string                 `json:"action"`
	BuyerID   int64                  `json:"buyer_id,string"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
