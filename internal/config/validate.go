package config

import (
	"fmt"
	"net/url"
	"unicode"
)

// ValidationResult separates errors that must stop initialization from
// problems that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config and sorts the problems into fatals and
// warnings.
func (c *YAMLConfig) ValidateTiered() ValidationResult {
	var result ValidationResult

	for _, r := range c.AppID {
		if unicode.IsControl(r) {
			result.Fatals = append(result.Fatals, &ConfigError{Field: "app_id", Reason: "contains control characters"})
			break
		}
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		result.Fatals = append(result.Fatals, &ConfigError{Field: "base_url", Reason: fmt.Sprintf("%q is not a valid URL: %v", c.BaseURL, err)})
	} else if u.Scheme != "http" && u.Scheme != "https" {
		result.Fatals = append(result.Fatals, &ConfigError{Field: "base_url", Reason: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)})
	} else if u.Host == "" {
		result.Fatals = append(result.Fatals, &ConfigError{Field: "base_url", Reason: "host is empty"})
	}

	if _, err := c.VerificationMode(); err != nil {
		result.Fatals = append(result.Fatals, err)
	}

	if _, err := c.PublicKey(); err != nil {
		result.Fatals = append(result.Fatals, err)
	}

	for field, proxy := range map[string]string{"http_proxy": c.HTTPProxy, "https_proxy": c.HTTPSProxy} {
		if proxy == "" {
			continue
		}
		if _, err := url.Parse(proxy); err != nil {
			result.Fatals = append(result.Fatals, &ConfigError{Field: field, Reason: err.Error()})
		}
	}

	// Clamp the timeout so a zero or absurd value can neither disable
	// requests nor hang an update for hours.
	if c.NetworkTimeoutSeconds < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("network_timeout_seconds %d is below minimum 5, clamping", c.NetworkTimeoutSeconds))
		c.NetworkTimeoutSeconds = 5
	} else if c.NetworkTimeoutSeconds > 600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("network_timeout_seconds %d exceeds maximum 600, clamping", c.NetworkTimeoutSeconds))
		c.NetworkTimeoutSeconds = 600
	}

	if c.MinFreeDiskMB != nil && *c.MinFreeDiskMB < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("min_free_disk_mb %d is negative, disabling the check", *c.MinFreeDiskMB))
		zero := 0
		c.MinFreeDiskMB = &zero
	}

	if c.Storage.S3AccessKeyID != "" && c.Storage.S3SecretAccessKey == "" {
		result.Warnings = append(result.Warnings, fmt.Errorf("storage.s3_access_key_id set without s3_secret_access_key, using the default credential chain"))
	}
	if (c.Storage.B2AccountID == "") != (c.Storage.B2ApplicationKey == "") {
		result.Warnings = append(result.Warnings, fmt.Errorf("storage.b2_account_id and b2_application_key must be set together, b2 downloads are disabled"))
	}

	return result
}
