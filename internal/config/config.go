// Package config loads server configuration from ACMEFORGE_*
// environment variables with sensible development defaults.
package config

import (
	"crypto/x509"
	"log"
	"os"
	"strconv"
)

type Config struct {
	DataDir             string // Directory for local state (HTTPS certs)
	ExternalURL         string // Base URL clients use to reach this server
	Organization        string // Organization name for the CA certificate
	Country             string // Country code for the CA certificate
	Province            string // Province for the CA certificate
	Locality            string // Locality for the CA certificate
	CommonName          string // Common Name for the CA certificate
	CACertValidityYears int    // Validity period of the CA certificate in years
	CRLValidityHours    int    // Validity period for the CRL in hours

	StorageType string // "postgres" or "memory"
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string // PostgreSQL client certificate file
	DBKey       string // PostgreSQL client private key file
	DBRootCert  string // PostgreSQL root CA certificate file

	ProfilesFile string // YAML issuance profiles; empty uses the built-in default

	DNSResolver              string // address of the resolver used for dns-01 lookups
	ValidationTimeoutSeconds int    // per-challenge validation deadline

	CertificatePolicies CertificatePolicies

	HTTPSCertFile string
	HTTPSKeyFile  string
	HTTPSAddress  string

	// AdminAPIKey guards the management API. Empty disables it.
	AdminAPIKey string
}

// CertificatePolicies bound what SignCSR will accept and emit.
type CertificatePolicies struct {
	AllowedKeyTypes       []string // "RSA", "ECDSA", "Ed25519"
	MinRSASize            int
	AllowedECDSACurves    []string
	AllowedKeyUsages      []x509.KeyUsage
	AllowedExtKeyUsages   []x509.ExtKeyUsage
	OCSPServer            []string
	IssuingCertificateURL []string
	CRLDistributionPoints []string
}

const (
	defaultDataDir             = "./data"
	defaultExternalURL         = "https://localhost:8443"
	defaultOrganization        = "ACME Forge Authority"
	defaultCountry             = "US"
	defaultProvince            = "NC"
	defaultLocality            = "Raleigh"
	defaultCommonName          = "ACME Forge Root CA"
	defaultCACertValidityYears = 10
	defaultCRLValidityHours    = 24
	defaultStorageType         = "postgres"
	defaultDBHost              = "localhost"
	defaultDBUser              = "acmeforge"
	defaultDBPassword          = "password"
	defaultDBName              = "acmeforge"
	defaultDBPort              = 5432
	defaultDBSSLMode           = "disable"
	defaultDNSResolver         = ""
	defaultValidationTimeout   = 10
	defaultHTTPSCertFile       = "./data/https.crt"
	defaultHTTPSKeyFile        = "./data/https.key"
	defaultHTTPSAddress        = ":8443"
)

var defaultCertificatePolicies = CertificatePolicies{
	AllowedKeyTypes:     []string{"RSA", "ECDSA", "Ed25519"},
	MinRSASize:          2048,
	AllowedECDSACurves:  []string{"P-256", "P-384"},
	AllowedKeyUsages:    []x509.KeyUsage{x509.KeyUsageDigitalSignature, x509.KeyUsageKeyEncipherment},
	AllowedExtKeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
}

// LoadConfig loads the server configuration from environment variables
// or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:                  getEnv("ACMEFORGE_DATA_DIR", defaultDataDir),
		ExternalURL:              getEnv("ACMEFORGE_EXTERNAL_URL", defaultExternalURL),
		Organization:             getEnv("ACMEFORGE_ORGANIZATION", defaultOrganization),
		Country:                  getEnv("ACMEFORGE_COUNTRY", defaultCountry),
		Province:                 getEnv("ACMEFORGE_PROVINCE", defaultProvince),
		Locality:                 getEnv("ACMEFORGE_LOCALITY", defaultLocality),
		CommonName:               getEnv("ACMEFORGE_COMMON_NAME", defaultCommonName),
		CACertValidityYears:      getEnvAsInt("ACMEFORGE_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		CRLValidityHours:         getEnvAsInt("ACMEFORGE_CRL_VALIDITY_HOURS", defaultCRLValidityHours),
		StorageType:              getEnv("ACMEFORGE_STORAGE_TYPE", defaultStorageType),
		DBHost:                   getEnv("ACMEFORGE_DB_HOST", defaultDBHost),
		DBUser:                   getEnv("ACMEFORGE_DB_USER", defaultDBUser),
		DBPassword:               getEnv("ACMEFORGE_DB_PASSWORD", defaultDBPassword),
		DBName:                   getEnv("ACMEFORGE_DB_NAME", defaultDBName),
		DBPort:                   getEnvAsInt("ACMEFORGE_DB_PORT", defaultDBPort),
		DBSSLMode:                getEnv("ACMEFORGE_DB_SSLMODE", defaultDBSSLMode),
		DBCert:                   getEnv("ACMEFORGE_DB_CERT", ""),
		DBKey:                    getEnv("ACMEFORGE_DB_KEY", ""),
		DBRootCert:               getEnv("ACMEFORGE_DB_ROOTCERT", ""),
		ProfilesFile:             getEnv("ACMEFORGE_PROFILES_FILE", ""),
		DNSResolver:              getEnv("ACMEFORGE_DNS_RESOLVER", defaultDNSResolver),
		ValidationTimeoutSeconds: getEnvAsInt("ACMEFORGE_VALIDATION_TIMEOUT_SECONDS", defaultValidationTimeout),
		CertificatePolicies:      defaultCertificatePolicies,
		HTTPSCertFile:            getEnv("ACMEFORGE_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:             getEnv("ACMEFORGE_HTTPS_KEY_FILE", defaultHTTPSKeyFile),
		HTTPSAddress:             getEnv("ACMEFORGE_HTTPS_ADDRESS", defaultHTTPSAddress),
		AdminAPIKey:              getEnv("ACMEFORGE_ADMIN_API_KEY", ""),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
