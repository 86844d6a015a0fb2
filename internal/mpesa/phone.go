package mpesa

import (
	"fmt"
	"strings"
)

// NormalizePhone converts Kenyan mobile numbers (07xx, 01xx, +2547xx, 2547xx,
// 7xx) to the 2547xxxxxxxx form Daraja expects.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, "254") && len(p) == 12:
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	default:
		return "", fmt.Errorf("invalid phone number %q", phone)
	}

	for _, r := range p {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid phone number %q", phone)
		}
	}
	if p[3] != '7' && p[3] != '1' {
		return "", fmt.Errorf("invalid phone number %q: not a mobile number", phone)
	}
	return p, nil
}
