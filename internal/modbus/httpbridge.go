package modbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/goburrow/modbus"
)

// HTTPBridge tunnels RTU frames through the lab's shared serial bridge,
// which exposes a single POST endpoint returning the raw ADU response.
type HTTPBridge struct {
	*modbus.RTUClientHandler

	baseURL string
}

type bridgeResponse struct {
	ADUResponse []byte
	Error       string
}

func NewHTTPBridge(baseURL string) *HTTPBridge {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = 1
	return &HTTPBridge{
		RTUClientHandler: handler,
		baseURL:          baseURL,
	}
}

func (b *HTTPBridge) Send(aduRequest []byte) ([]byte, error) {
	resp, err := http.Post(b.baseURL, "application/octet-stream", bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var br bridgeResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, err
	}
	if br.Error != "" {
		err = errors.New(br.Error)
	}
	return br.ADUResponse, err
}

func (b *HTTPBridge) Connect() error {
	return nil
}

func (b *HTTPBridge) Close() error {
	return nil
}
