package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/rowstage/internal/domain"
)

// ErrInvalidPayload is returned for a JSON body without a usable data object.
var ErrInvalidPayload = errors.New("invalid ingest payload")

// reservedPayloadKeys are metadata, not row columns.
var reservedPayloadKeys = map[string]struct{}{
	domain.AttrDomainName: {},
	domain.AttrPolicyID:   {},
	domain.AttrUploadedBy: {},
}

// Payload is a decoded single-row ingest request.
type Payload struct {
	DomainName string
	PolicyID   string
	UploadedBy string
	Row        Row
}

// ParsePayload decodes {"data": {"domain_name": ..., "policy_id": ..., ...}}.
// Numbers are kept as json.Number so no precision is lost.
func ParsePayload(body []byte) (Payload, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := decoder.Decode(&envelope); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if envelope.Data == nil {
		return Payload{}, fmt.Errorf("%w: data object is required", ErrInvalidPayload)
	}

	var p Payload
	var err error
	if p.DomainName, err = requiredString(envelope.Data, domain.AttrDomainName); err != nil {
		return Payload{}, err
	}
	if p.PolicyID, err = requiredString(envelope.Data, domain.AttrPolicyID); err != nil {
		return Payload{}, err
	}
	if raw, ok := envelope.Data[domain.AttrUploadedBy].(string); ok {
		p.UploadedBy = strings.TrimSpace(raw)
	}

	keys := make([]string, 0, len(envelope.Data))
	for key := range envelope.Data {
		if _, reserved := reservedPayloadKeys[key]; reserved {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	names := domain.NormalizeColumns(keys)
	p.Row = make(Row, len(keys))
	for i, key := range keys {
		p.Row[names[i]] = envelope.Data[key]
	}
	return p, nil
}

func requiredString(data map[string]any, key string) (string, error) {
	raw, ok := data[key].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: data.%s is required", ErrInvalidPayload, key)
	}
	return strings.TrimSpace(raw), nil
}
