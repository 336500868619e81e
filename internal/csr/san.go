package csr

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net"
)

var (
	oidExtensionSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidCommonName              = asn1.ObjectIdentifier{2, 5, 4, 3}

	// otherName type-ids (RFC 4043, RFC 4108, MS UPN)
	oidPermanentIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 8, 3}
	oidHardwareModuleName  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 8, 4}
	oidUserPrincipalName   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2, 3}
)

// GeneralNameKind discriminates the GeneralName union.
type GeneralNameKind int

const (
	KindDNS GeneralNameKind = iota
	KindIP
	KindEmail
	KindURI
	KindRegisteredID
	KindOtherName
)

func (k GeneralNameKind) String() string {
	switch k {
	case KindDNS:
		return "dNSName"
	case KindIP:
		return "iPAddress"
	case KindEmail:
		return "rfc822Name"
	case KindURI:
		return "uniformResourceIdentifier"
	case KindRegisteredID:
		return "registeredID"
	case KindOtherName:
		return "otherName"
	default:
		return "unknown"
	}
}

// OtherNameKind discriminates the otherName sub-union.
type OtherNameKind int

const (
	OtherNameUnknown OtherNameKind = iota
	OtherNamePermanentIdentifier
	OtherNameHardwareModule
	OtherNameUserPrincipal
)

// PermanentIdentifier is the RFC 4043 otherName form.
type PermanentIdentifier struct {
	Value    string                `asn1:"utf8,optional"`
	Assigner asn1.ObjectIdentifier `asn1:"optional"`
}

// HardwareModuleName is the RFC 4108 otherName form.
type HardwareModuleName struct {
	Type         asn1.ObjectIdentifier
	SerialNumber []byte
}

// OtherName is a decoded otherName general-name entry.
type OtherName struct {
	Kind   OtherNameKind
	TypeID asn1.ObjectIdentifier

	PermanentIdentifier *PermanentIdentifier
	HardwareModule      *HardwareModuleName
	UserPrincipalName   string
}

// GeneralName is one Subject-Alternative-Name entry, modeled as a
// tagged union so matching can switch exhaustively on Kind.
type GeneralName struct {
	Kind GeneralNameKind

	DNS          string
	IP           net.IP
	Email        string
	URI          string
	RegisteredID asn1.ObjectIdentifier
	Other        *OtherName
}

func (g GeneralName) String() string {
	switch g.Kind {
	case KindDNS:
		return g.DNS
	case KindIP:
		return g.IP.String()
	case KindEmail:
		return g.Email
	case KindURI:
		return g.URI
	case KindRegisteredID:
		return g.RegisteredID.String()
	case KindOtherName:
		return fmt.Sprintf("otherName:%s", g.Other.TypeID)
	default:
		return "?"
	}
}

// SubjectAltNames enumerates every general-name entry of the CSR's SAN
// extension, including the otherName forms the stdlib parser drops.
func SubjectAltNames(req *x509.CertificateRequest) ([]GeneralName, error) {
	var sanExt *pkix.Extension
	for i := range req.Extensions {
		if req.Extensions[i].Id.Equal(oidExtensionSubjectAltName) {
			if sanExt != nil {
				return nil, fmt.Errorf("csr: multiple subjectAltName extensions")
			}
			sanExt = &req.Extensions[i]
		}
	}
	if sanExt == nil {
		return nil, nil
	}
	return parseGeneralNames(sanExt.Value)
}

func parseGeneralNames(der []byte) ([]GeneralName, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(der, &seq)
	if err != nil {
		return nil, fmt.Errorf("csr: failed to parse SAN extension: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("csr: trailing data after SAN extension")
	}
	if !seq.IsCompound || seq.Tag != asn1.TagSequence || seq.Class != asn1.ClassUniversal {
		return nil, fmt.Errorf("csr: SAN extension is not a sequence")
	}

	var names []GeneralName
	data := seq.Bytes
	for len(data) > 0 {
		var v asn1.RawValue
		data, err = asn1.Unmarshal(data, &v)
		if err != nil {
			return nil, fmt.Errorf("csr: failed to parse SAN entry: %w", err)
		}
		if v.Class != asn1.ClassContextSpecific {
			return nil, fmt.Errorf("csr: SAN entry with unexpected class %d", v.Class)
		}
		name, err := parseGeneralName(v)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func parseGeneralName(v asn1.RawValue) (GeneralName, error) {
	switch v.Tag {
	case 0: // otherName
		other, err := parseOtherName(v.Bytes)
		if err != nil {
			return GeneralName{}, err
		}
		return GeneralName{Kind: KindOtherName, Other: other}, nil
	case 1: // rfc822Name
		return GeneralName{Kind: KindEmail, Email: string(v.Bytes)}, nil
	case 2: // dNSName
		return GeneralName{Kind: KindDNS, DNS: string(v.Bytes)}, nil
	case 6: // uniformResourceIdentifier
		return GeneralName{Kind: KindURI, URI: string(v.Bytes)}, nil
	case 7: // iPAddress
		if len(v.Bytes) != net.IPv4len && len(v.Bytes) != net.IPv6len {
			return GeneralName{}, fmt.Errorf("csr: SAN iPAddress with bad length %d", len(v.Bytes))
		}
		return GeneralName{Kind: KindIP, IP: net.IP(v.Bytes)}, nil
	case 8: // registeredID
		oidDER, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagOID, Bytes: v.Bytes})
		if err != nil {
			return GeneralName{}, fmt.Errorf("csr: failed to re-encode registeredID: %w", err)
		}
		var oid asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(oidDER, &oid); err != nil {
			return GeneralName{}, fmt.Errorf("csr: failed to parse registeredID: %w", err)
		}
		return GeneralName{Kind: KindRegisteredID, RegisteredID: oid}, nil
	default:
		return GeneralName{}, fmt.Errorf("csr: unsupported SAN tag %d", v.Tag)
	}
}

// parseOtherName decodes the contents of an implicitly tagged OtherName
// sequence: type-id OBJECT IDENTIFIER followed by [0] EXPLICIT value.
func parseOtherName(content []byte) (*OtherName, error) {
	var typeID asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(content, &typeID)
	if err != nil {
		return nil, fmt.Errorf("csr: failed to parse otherName type-id: %w", err)
	}
	var wrapper asn1.RawValue
	if _, err := asn1.Unmarshal(rest, &wrapper); err != nil {
		return nil, fmt.Errorf("csr: failed to parse otherName value: %w", err)
	}
	if wrapper.Class != asn1.ClassContextSpecific || wrapper.Tag != 0 || !wrapper.IsCompound {
		return nil, fmt.Errorf("csr: otherName value is not [0] EXPLICIT")
	}
	value := wrapper.Bytes

	other := &OtherName{TypeID: typeID}
	switch {
	case typeID.Equal(oidPermanentIdentifier):
		var pi PermanentIdentifier
		if _, err := asn1.Unmarshal(value, &pi); err != nil {
			return nil, fmt.Errorf("csr: failed to parse permanentIdentifier: %w", err)
		}
		other.Kind = OtherNamePermanentIdentifier
		other.PermanentIdentifier = &pi
	case typeID.Equal(oidHardwareModuleName):
		var hw HardwareModuleName
		if _, err := asn1.Unmarshal(value, &hw); err != nil {
			return nil, fmt.Errorf("csr: failed to parse hardwareModuleName: %w", err)
		}
		other.Kind = OtherNameHardwareModule
		other.HardwareModule = &hw
	case typeID.Equal(oidUserPrincipalName):
		var upn string
		if _, err := asn1.UnmarshalWithParams(value, &upn, "utf8"); err != nil {
			return nil, fmt.Errorf("csr: failed to parse userPrincipalName: %w", err)
		}
		other.Kind = OtherNameUserPrincipal
		other.UserPrincipalName = upn
	default:
		other.Kind = OtherNameUnknown
	}
	return other, nil
}

// CommonNames returns every CN attribute value in the CSR subject.
// There may be zero, one, or (invalidly) several.
func CommonNames(req *x509.CertificateRequest) []string {
	var cns []string
	for _, atv := range req.Subject.Names {
		if atv.Type.Equal(oidCommonName) {
			if s, ok := atv.Value.(string); ok {
				cns = append(cns, s)
			}
		}
	}
	return cns
}
