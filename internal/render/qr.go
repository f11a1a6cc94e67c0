package render

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/atlasvpn/atlas/internal/common"
)

// QRDataURI encodes content as a QR code and returns it as a PNG data URI
// that can be embedded directly in an <img> tag.
func QRDataURI(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("%w: encoding QR code: %v", common.ErrInternal, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
