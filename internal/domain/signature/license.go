package signature

import (
	"regexp"
	"strings"

	"github.com/ehr/quickcare/internal/platform/apperr"
)

// LicensePrefix is the nursing council prefix accepted for signing.
const LicensePrefix = "COREN"

// federativeUnits are the 26 states plus the Federal District.
var federativeUnits = map[string]bool{
	"AC": true, "AL": true, "AP": true, "AM": true, "BA": true, "CE": true, "DF": true,
	"ES": true, "GO": true, "MA": true, "MT": true, "MS": true, "MG": true, "PA": true,
	"PB": true, "PR": true, "PE": true, "PI": true, "RJ": true, "RN": true, "RS": true,
	"RO": true, "RR": true, "SC": true, "SP": true, "SE": true, "TO": true,
}

var licensePattern = regexp.MustCompile(`^` + LicensePrefix + `-([A-Z]{2})-(\d{6})$`)

// NormalizeLicense trims and upper-cases a license number.
func NormalizeLicense(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidateLicense checks the PREFIX-REGION-NNNNNN format and the region and
// returns the normalized license.
func ValidateLicense(raw string) (string, error) {
	license := NormalizeLicense(raw)
	m := licensePattern.FindStringSubmatch(license)
	if m == nil {
		return "", apperr.LicenseInvalid("license %q does not match %s-UF-NNNNNN", raw, LicensePrefix)
	}
	if !federativeUnits[m[1]] {
		return "", apperr.LicenseInvalid("license region %q is not a federative unit", m[1])
	}
	return license, nil
}
