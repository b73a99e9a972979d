package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/gateway"
	"github.com/aethercore/aethercore/internal/xcrypto"
)

var (
	gatewayURL    *string
	operatorKeyPath *string
	targetHex     *string
	commandType   *string
	payloadHex    *string
)

func init() {
	gatewayURL = RootCmd.Flags().String("gatewayURL", "http://127.0.0.1:9443", "Base URL of the target gateway's REST surface")
	operatorKeyPath = RootCmd.Flags().String("operatorKey", "./operator.key", "Path to the operator's Ed25519 private key (generated on first use)")
	targetHex = RootCmd.Flags().String("target", "", "Target node_id, hex-encoded (required)")
	commandType = RootCmd.Flags().String("commandType", "", "Command type to submit (required)")
	payloadHex = RootCmd.Flags().String("payload", "", "Command payload, hex-encoded")
}

// RootCmd signs and submits one command, printing the gateway's
// reported dispatch outcome or the rejection it returned instead.
var RootCmd = &cobra.Command{
	Use:   "aethercorectl",
	Short: "Submit a signed command to an AetherCore gateway",
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if *targetHex == "" || *commandType == "" {
		return fmt.Errorf("aethercorectl: --target and --commandType are required")
	}

	priv, err := getOrCreateOperatorKey(*operatorKeyPath)
	if err != nil {
		return err
	}
	operatorID := xcrypto.NodeIdFromPublicKey(priv.Public().(ed25519.PublicKey))

	target, err := hex.DecodeString(*targetHex)
	if err != nil || len(target) != len(operatorID) {
		return fmt.Errorf("aethercorectl: malformed --target %q", *targetHex)
	}
	var targetID common.NodeId
	copy(targetID[:], target)

	payload, err := hex.DecodeString(*payloadHex)
	if err != nil {
		return fmt.Errorf("aethercorectl: malformed --payload %q", *payloadHex)
	}

	command := gateway.Command{
		OperatorID:   operatorID,
		TargetNodeID: targetID,
		CommandType:  *commandType,
		IssuedAt:     time.Now().UTC(),
		Nonce:        uuid.NewString(),
		Payload:      payload,
	}
	command.Signature = ed25519.Sign(priv, command.Canonical())

	body, err := json.Marshal(map[string]interface{}{
		"operator_id":     operatorID.Hex(),
		"target_node_id":  hex.EncodeToString(targetID[:]),
		"command_type":    command.CommandType,
		"issued_at_ms":    command.IssuedAt.UnixMilli(),
		"nonce":           command.Nonce,
		"payload_hex":     hex.EncodeToString(command.Payload),
		"signature_hex":   hex.EncodeToString(command.Signature),
	})
	if err != nil {
		return fmt.Errorf("aethercorectl: encoding request: %w", err)
	}

	resp, err := http.Post(*gatewayURL+"/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("aethercorectl: submitting command: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("aethercorectl: reading response: %w", err)
	}

	fmt.Printf("gateway responded %s: %s\n", resp.Status, string(respBody))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("aethercorectl: command rejected")
	}
	return nil
}
