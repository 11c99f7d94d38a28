package queue

import (
	"encoding/json"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
)

// ExtractionMsg carries one document's extraction result, either inline or
// as a key into the payload bucket.
type ExtractionMsg struct {
	CorrelationID string             `json:"correlation_id,omitempty"`
	DocumentID    string             `json:"document_id,omitempty"`
	Document      *mutation.Document `json:"document,omitempty"`
	PayloadKey    string             `json:"payload_key,omitempty"`
}

// ReportMsg asks for the reports of one graph to be rebuilt.
type ReportMsg struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Graph         string `json:"graph"`
}

func decodeExtraction(body []byte) (ExtractionMsg, error) {
	var msg ExtractionMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, common.Validationf("decode extraction message: %v", err)
	}
	if msg.Document == nil && msg.PayloadKey == "" {
		return msg, common.Validationf("extraction message has neither document nor payload_key")
	}
	return msg, nil
}

func decodeReport(body []byte) (ReportMsg, error) {
	var msg ReportMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, common.Validationf("decode report message: %v", err)
	}
	if msg.Graph == "" {
		return msg, common.Validationf("report message has no graph")
	}
	return msg, nil
}
