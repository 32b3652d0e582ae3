package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ClientStat is one client's observed and decided state for a tick.
type ClientStat struct {
	DownloadMbps      float64 `json:"download_mbps"`
	UploadMbps        float64 `json:"upload_mbps"`
	DownloadLimitMbps float64 `json:"download_limit_mbps"`
	UploadLimitMbps   float64 `json:"upload_limit_mbps"`
	NewDownloadMbps   float64 `json:"new_download_limit_mbps"`
	NewUploadMbps     float64 `json:"new_upload_limit_mbps"`
}

// ClientStatsMap stores per-client stats as a JSON column.
type ClientStatsMap map[string]ClientStat

// Value implements driver.Valuer.
func (m ClientStatsMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling client stats: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *ClientStatsMap) Scan(value any) error {
	if value == nil {
		*m = ClientStatsMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for ClientStatsMap: %T", value)
	}
	if len(data) == 0 {
		*m = ClientStatsMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// GormDataType returns the GORM data type for ClientStatsMap.
func (ClientStatsMap) GormDataType() string {
	return "text"
}

// BandwidthMetric is one download-loop tick's observed state.
type BandwidthMetric struct {
	BaseModel
	CorrelationID         string         `gorm:"index;type:varchar(36)" json:"correlation_id"`
	ActiveStreams         int            `json:"active_streams"`
	RawStreamMbps         float64        `json:"raw_stream_mbps"`
	StreamCostMbps        float64        `json:"stream_cost_mbps"`
	ReservedMbps          float64        `json:"reserved_mbps"`
	LinkInboundMbps       float64        `json:"link_inbound_mbps"`
	LinkOutboundMbps      float64        `json:"link_outbound_mbps"`
	EffectiveDownloadMbps float64        `json:"effective_download_mbps"`
	EffectiveUploadMbps   float64        `json:"effective_upload_mbps"`
	ClientStats           ClientStatsMap `json:"client_stats"`
}

// ThrottleDecision is one computed per-client limit decision.
type ThrottleDecision struct {
	BaseModel
	CorrelationID     string  `gorm:"index;type:varchar(36)" json:"correlation_id"`
	ClientID          string  `gorm:"index" json:"client_id"`
	DownloadLimitMbps float64 `json:"download_limit_mbps"`
	UploadLimitMbps   float64 `json:"upload_limit_mbps"`
	Reason            string  `json:"reason"`
	Applied           bool    `json:"applied"`
	Error             string  `json:"error"`
}

// Event is a notable monitor occurrence (stream start/end, service
// unreachable/recovered).
type Event struct {
	BaseModel
	Type    string `gorm:"index" json:"type"`
	Subject string `gorm:"index" json:"subject"`
	Message string `json:"message"`
	Details string `gorm:"type:text" json:"details"`
}
