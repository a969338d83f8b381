package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// API is the thin HTTP client the machine side uses for machine registration
// and listing, ahead of opening its relay socket.
type API struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type MachineRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ForwardURL string `json:"forwardUrl"`
	Online     bool   `json:"online"`
}

func (a *API) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

func (a *API) ListMachines(ctx context.Context, endpointID string) ([]MachineRecord, error) {
	url := fmt.Sprintf("%s/v1/endpoints/%s/machines", a.BaseURL, endpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing machines: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Machines []MachineRecord `json:"machines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding machine list: %w", err)
	}
	return body.Machines, nil
}

func (a *API) RegisterMachine(ctx context.Context, endpointID string, rec MachineRecord) (MachineRecord, error) {
	payload, err := json.Marshal(map[string]string{
		"id":         rec.ID,
		"name":       rec.Name,
		"forwardUrl": rec.ForwardURL,
	})
	if err != nil {
		return MachineRecord{}, err
	}

	url := fmt.Sprintf("%s/v1/endpoints/%s/machines", a.BaseURL, endpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return MachineRecord{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return MachineRecord{}, fmt.Errorf("registering machine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return MachineRecord{}, fmt.Errorf("registering machine: status %d: %s", resp.StatusCode, msg)
	}

	var body struct {
		Machine MachineRecord `json:"machine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return MachineRecord{}, fmt.Errorf("decoding machine: %w", err)
	}
	return body.Machine, nil
}
