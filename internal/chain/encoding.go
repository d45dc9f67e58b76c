package chain

import (
	"encoding/base64"
	"fmt"
)

func decodeBase64(data string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode account data: %w", err)
	}
	return decoded, nil
}
