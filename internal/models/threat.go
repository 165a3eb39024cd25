package models

// MaliciousEvent is the canonical record POSTed to the threat backend
// whenever a validator blocks or redacts (invariant I3: exactly one
// per block/modify). Field names mirror the wire shape in spec.md §3
// verbatim, including the quirks noted in DESIGN NOTES (e).
type MaliciousEvent struct {
	Actor                 string                 `json:"actor"`
	FilterID              string                 `json:"filterId"`
	DetectedAt            string                 `json:"detectedAt"`
	LatestAPIIP           string                 `json:"latestApiIp"`
	LatestAPIEndpoint     string                 `json:"latestApiEndpoint"`
	LatestAPIMethod       string                 `json:"latestApiMethod"`
	LatestAPICollectionID string                 `json:"latestApiCollectionId"`
	LatestAPIPayload      string                 `json:"latestApiPayload"`
	EventType             string                 `json:"eventType"`
	Category              string                 `json:"category"`
	SubCategory           string                 `json:"subCategory"`
	Severity              string                 `json:"severity"`
	Type                  string                 `json:"type"`
	Metadata              map[string]interface{} `json:"metadata"`
}

// LatestAPIPayloadBody is marshalled to a JSON string and placed in
// MaliciousEvent.LatestAPIPayload, exactly per spec.md §4.8.
type LatestAPIPayloadBody struct {
	Method          string `json:"method"`
	RequestPayload  string `json:"requestPayload"`
	ResponsePayload string `json:"responsePayload"`
	IP              string `json:"ip"`
	DestIP          string `json:"destIp"`
	Source          string `json:"source"`
	Type            string `json:"type"`
	AktoVxlanID     string `json:"akto_vxlan_id"`
	Path            string `json:"path"`
	RequestHeaders  string `json:"requestHeaders"`
	ResponseHeaders string `json:"responseHeaders"`
	Time            int64  `json:"time"`
	AktoAccountID   string `json:"akto_account_id"`
	StatusCode      int    `json:"statusCode"`
	Status          string `json:"status"`
}
