package thingsboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	TopicProvisionRequest  = "/provision"
	TopicProvisionResponse = "/provision/response"

	provisionUsername = "provision"
)

var ErrProvisionRejected = errors.New("thingsboard: provisioning rejected")

// ProvisionRequest asks the platform to register this device and issue an
// access token.
type ProvisionRequest struct {
	DeviceName            string `json:"deviceName,omitempty"`
	ProvisionDeviceKey    string `json:"provisionDeviceKey"`
	ProvisionDeviceSecret string `json:"provisionDeviceSecret"`
}

type provisionResponse struct {
	Status           string `json:"status"`
	CredentialsType  string `json:"credentialsType"`
	CredentialsValue string `json:"credentialsValue"`
	ErrorMsg         string `json:"errorMsg"`
}

// Provision performs the device provisioning exchange and returns the
// issued access token.
func Provision(ctx context.Context, cfg Config, req ProvisionRequest) (string, error) {
	if req.ProvisionDeviceKey == "" || req.ProvisionDeviceSecret == "" {
		return "", fmt.Errorf("provision device key and secret are required")
	}
	tc, err := cfg.tlsConfig()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.brokerURL())
	opts.SetClientID("provision-" + uuid.NewString())
	opts.SetUsername(provisionUsername)
	if tc != nil {
		opts.SetTLSConfig(tc)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("provision connect: %w", connectivityError(err))
	}
	defer client.Disconnect(250)

	replies := make(chan []byte, 1)
	sub := client.Subscribe(TopicProvisionResponse, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case replies <- msg.Payload():
		default:
		}
	})
	select {
	case <-sub.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := sub.Error(); err != nil {
		return "", fmt.Errorf("provision subscribe: %w", err)
	}

	pub := client.Publish(TopicProvisionRequest, 1, false, payload)
	select {
	case <-pub.Done():
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := pub.Error(); err != nil {
		return "", fmt.Errorf("provision request: %w", err)
	}

	select {
	case raw := <-replies:
		return ParseProvisionResponse(raw)
	case <-ctx.Done():
		return "", fmt.Errorf("provision response: %w", ctx.Err())
	}
}

// ParseProvisionResponse returns the access token from a provisioning reply.
func ParseProvisionResponse(raw []byte) (string, error) {
	var resp provisionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode provision response: %w", err)
	}
	if resp.Status != "SUCCESS" {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("%w: %s", ErrProvisionRejected, msg)
	}
	if resp.CredentialsType != "ACCESS_TOKEN" {
		return "", fmt.Errorf("%w: unsupported credentials type %q", ErrProvisionRejected, resp.CredentialsType)
	}
	if resp.CredentialsValue == "" {
		return "", fmt.Errorf("%w: empty access token", ErrProvisionRejected)
	}
	return resp.CredentialsValue, nil
}
