package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scanbridge/scanbridged/internal/scanner"
)

func TestDecodeUnknownAction(t *testing.T) {
	_, err := Decode([]byte(`{"action":"frobnicate","requestId":"r1"}`))
	require.NotNil(t, err)
	require.Equal(t, "r1", err.RequestID)
}

func TestDecodeMissingRequestID(t *testing.T) {
	_, err := Decode([]byte(`{"action":"ping"}`))
	require.NotNil(t, err)
	require.Empty(t, err.RequestID)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.NotNil(t, err)
}

func TestDecodeFillsSettingsDefaults(t *testing.T) {
	req, err := Decode([]byte(`{"action":"scan","requestId":"r1","settings":{"pixelType":"rgb"}}`))
	require.Nil(t, err)
	require.NotNil(t, req.Settings)

	defaults := scanner.DefaultSettings()
	require.Equal(t, defaults.DPI, req.Settings.DPI)
	require.Equal(t, defaults.PaperSize, req.Settings.PaperSize)
	require.Equal(t, defaults.MaxPages, req.Settings.MaxPages)
	require.Equal(t, scanner.PixelType("RGB"), req.Settings.PixelType)
}

func TestDecodeRoundTripsAdvancedAndPatch(t *testing.T) {
	req, err := Decode([]byte(`{"action":"apply_device_settings","requestId":"r2","token":"t","patch":[{"op":"replace","path":"/dpi","value":300}],"advanced":{"a:colorCorrection":true}}`))
	require.Nil(t, err)
	require.Equal(t, "t", req.Token)
	require.NotEmpty(t, req.Patch)
	require.Equal(t, true, req.Advanced["a:colorCorrection"])
}

func TestResponseEncodeOmitsEmptyFields(t *testing.T) {
	resp := NewResponse(StatusSuccess, "ping", "r1")
	data, err := resp.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "success", decoded["status"])
	require.Equal(t, "ping", decoded["action"])
	require.Equal(t, "r1", decoded["requestId"])
	require.NotContains(t, decoded, "message")
	require.NotContains(t, decoded, "errorCode")
}

func TestResponseEncodeMergesFieldsAndDropsNil(t *testing.T) {
	resp := NewResponse(StatusSuccess, "list_scanners", "r1")
	resp.WithField("scanners", []string{"a", "b"})
	resp.WithField("ignored", nil)

	data, err := resp.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded, "scanners")
	require.NotContains(t, decoded, "ignored")
}

func TestNewErrorSetsCodeAndMessage(t *testing.T) {
	resp := NewError("scan", "r1", ErrScanFailed, "device jammed")
	require.Equal(t, StatusError, resp.Status)
	require.Equal(t, ErrScanFailed, resp.ErrorCode)
	require.Equal(t, "device jammed", resp.Message)
}
