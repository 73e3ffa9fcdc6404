package chi

import "time"

// Error codes returned in errorResponse.Code.
const (
	codeBadRequest       = "bad_request"
	codeValidationFailed = "validation_failed"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeUnknownLabel     = "unknown_label"
	codeInvalidConfig    = "invalid_config"
	codeQuotaExhausted   = "quota_exhausted"
	codeUnavailable      = "storage_unavailable"
	codeInternalError    = "internal_error"
)

type errorResponse struct {
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	ResetsAt *time.Time `json:"resets_at,omitempty"`
}

type costRequest struct {
	RequestID    string     `json:"request_id"`
	ModelLabel   string     `json:"model_label"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CostMicros   *int64     `json:"cost_micros,omitempty"`
	Region       string     `json:"region,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

type costResponse struct {
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status"`
	Shard      int       `json:"shard"`
	CostMicros int64     `json:"cost_micros"`
	Priced     bool      `json:"priced"`
	Timestamp  time.Time `json:"timestamp"`
}

type batchCostRequest struct {
	Requests []costRequest `json:"requests"`
}

type batchCostResult struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	Shard      *int   `json:"shard,omitempty"`
	CostMicros int64  `json:"cost_micros,omitempty"`
	Error      string `json:"error,omitempty"`
}

type batchCostResponse struct {
	Accepted  int               `json:"accepted"`
	Failed    int               `json:"failed"`
	Results   []batchCostResult `json:"results"`
	Timestamp time.Time         `json:"timestamp"`
}

type recommendedModel struct {
	Label   string `json:"label"`
	ModelID string `json:"model_id,omitempty"`
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
}

type modelStatus struct {
	Label           string  `json:"label"`
	SpendMicros     int64   `json:"spend_micros"`
	QuotaMicros     int64   `json:"quota_micros"`
	RemainingMicros int64   `json:"remaining_micros"`
	QuotaPct        float64 `json:"quota_pct"`
	Status          string  `json:"status"`
}

type pricingInfo struct {
	InputPerMillion  int64  `json:"input_price_micros_per_1m"`
	OutputPerMillion int64  `json:"output_price_micros_per_1m"`
	Version          string `json:"version,omitempty"`
	Source           string `json:"source"`
}

type clientGuidance struct {
	Mode          string `json:"mode"`
	NextCheckSecs int    `json:"next_check_secs"`
	Stale         bool   `json:"stale"`
}

type modelSelectionResponse struct {
	OrgID             string           `json:"org_id"`
	AppID             string           `json:"app_id"`
	Scope             string           `json:"scope"`
	Day               string           `json:"org_day"`
	Recommended       recommendedModel `json:"recommended_model"`
	StickyActive      bool             `json:"sticky_fallback_active"`
	TightThresholdPct float64          `json:"tight_threshold_pct"`
	ModelsStatus      []modelStatus    `json:"models_status"`
	Pricing           *pricingInfo     `json:"pricing,omitempty"`
	Guidance          clientGuidance   `json:"client_guidance"`
	ResetsAt          time.Time        `json:"resets_at"`
	CheckedAt         time.Time        `json:"checked_at"`
	OrgLocalTime      string           `json:"org_local_time"`
}

type aggregatesResponse struct {
	OrgID              string        `json:"org_id"`
	AppID              string        `json:"app_id"`
	Scope              string        `json:"scope"`
	Date               string        `json:"date"`
	Timezone           string        `json:"timezone"`
	QuotaScope         string        `json:"quota_scope"`
	Models             []modelStatus `json:"models"`
	TotalCostMicros    int64         `json:"total_cost_micros"`
	TotalQuotaMicros   int64         `json:"total_quota_micros"`
	TotalQuotaPct      float64       `json:"total_quota_pct"`
	InputTokens        int64         `json:"input_tokens"`
	OutputTokens       int64         `json:"output_tokens"`
	Requests           int64         `json:"requests"`
	StickyActive       bool          `json:"sticky_fallback_active"`
	CurrentActiveModel string        `json:"current_active_model,omitempty"`
	DayStart           time.Time     `json:"day_start"`
	DayEnd             time.Time     `json:"day_end"`
	UpdatedAt          *time.Time    `json:"updated_at,omitempty"`
}

type healthResponse struct {
	Status          string            `json:"status"`
	Checks          map[string]string `json:"checks"`
	Details         map[string]string `json:"details,omitempty"`
	LastAggregation *time.Time        `json:"last_aggregation,omitempty"`
}
