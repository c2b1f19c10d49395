package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// incidentClass is the Weaviate class resolved incidents are stored under.
const incidentClass = "IncidentRecord"

// WeaviateSink persists incident records to a Weaviate cluster over its
// object REST API. Vectorization and similarity search stay on the
// Weaviate side; the coordinator only writes documents.
type WeaviateSink struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewWeaviateSink constructs a sink against the given endpoint.
func NewWeaviateSink(endpoint, apiKey string, timeout time.Duration) *WeaviateSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WeaviateSink{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Persist writes the incident as one Weaviate object keyed by incident id,
// so a retried persist overwrites rather than duplicates.
func (s *WeaviateSink) Persist(ctx context.Context, in *models.Incident) error {
	if s.endpoint == "" {
		return nil
	}

	props, err := buildIncidentProperties(in)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"class":      incidentClass,
		"id":         in.ID,
		"properties": props,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		s.endpoint+"/v1/objects/"+incidentClass+"/"+in.ID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// PUT on a missing object is a create in some Weaviate versions and a
	// 404 in others; fall back to POST for the latter.
	if resp.StatusCode == http.StatusNotFound {
		return s.create(ctx, body)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("persist incident failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

func (s *WeaviateSink) create(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create incident object failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// GetIncident reads a previously persisted incident back from the store.
func (s *WeaviateSink) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint+"/v1/objects/"+incidentClass+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get incident failed: %s", strings.TrimSpace(string(data)))
	}

	var object struct {
		Properties map[string]interface{} `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&object); err != nil {
		return nil, err
	}
	return parseIncidentProperties(object.Properties)
}

// buildIncidentProperties flattens the searchable fields into scalar
// properties and keeps the full record under "document" so a reload
// reproduces the incident exactly.
func buildIncidentProperties(in *models.Incident) (map[string]interface{}, error) {
	document, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode incident record: %w", err)
	}

	degraded := make([]string, 0, len(in.History))
	for _, stage := range in.DegradedStages() {
		degraded = append(degraded, string(stage))
	}
	alertNames := make([]string, 0, len(in.Alerts))
	for _, a := range in.Alerts {
		alertNames = append(alertNames, a.Name())
	}

	props := map[string]interface{}{
		"incidentId":     in.ID,
		"fingerprint":    in.Fingerprint,
		"status":         string(in.Status),
		"severity":       string(in.Severity()),
		"alertNames":     alertNames,
		"degradedStages": degraded,
		"createdAt":      in.CreatedAt.Format(time.RFC3339Nano),
		"document":       string(document),
	}
	if len(in.RootCause) > 0 {
		props["rootCause"] = string(in.RootCause)
	}
	return props, nil
}

func parseIncidentProperties(props map[string]interface{}) (*models.Incident, error) {
	document, ok := props["document"].(string)
	if !ok || document == "" {
		return nil, fmt.Errorf("incident object has no document property")
	}
	var in models.Incident
	if err := json.Unmarshal([]byte(document), &in); err != nil {
		return nil, fmt.Errorf("decode incident record: %w", err)
	}
	return &in, nil
}
