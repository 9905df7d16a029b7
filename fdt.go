package flute

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// File Delivery Table, RFC 6726 3.4.2 plus the 3GPP TS 26.346
// extensions. The FDT instance id itself is not part of the XML; it
// travels in EXT_FDT on the packets of TOI 0.

const FDT_XML_NAMESPACE = "urn:IETF:metadata:2005:FLUTE:FDT"

type FdtInstance struct {
	XMLName  xml.Name `xml:"urn:IETF:metadata:2005:FLUTE:FDT FDT-Instance"`
	Expires  string   `xml:"Expires,attr"`
	Complete bool     `xml:"Complete,attr,omitempty"`

	ContentType     string `xml:"Content-Type,attr,omitempty"`
	ContentEncoding string `xml:"Content-Encoding,attr,omitempty"`

	// Session level FEC OTI defaults, overridable per file
	FecOtiFecEncodingID            *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	FecOtiFecInstanceID            *uint16 `xml:"FEC-OTI-FEC-Instance-ID,attr,omitempty"`
	FecOtiMaximumSourceBlockLength *uint32 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	FecOtiEncodingSymbolLength     *uint16 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`
	FecOtiMaxNumberOfEncodingSymbols *uint32 `xml:"FEC-OTI-Max-Number-of-Encoding-Symbols,attr,omitempty"`
	FecOtiSchemeSpecificInfo       string  `xml:"FEC-OTI-Scheme-Specific-Info,attr,omitempty"`

	// 3GPP TS 26.346 extensions
	FullFDT bool `xml:"FullFDT,attr,omitempty"`

	SchemaVersion uint   `xml:"schemaVersion"`
	Files         []FdtFile `xml:"File"`
}

type FdtFile struct {
	Toi             string  `xml:"TOI,attr"`
	ContentLocation string  `xml:"Content-Location,attr"`
	ContentLength   *uint64 `xml:"Content-Length,attr,omitempty"`
	TransferLength  *uint64 `xml:"Transfer-Length,attr,omitempty"`
	ContentType     string  `xml:"Content-Type,attr,omitempty"`
	ContentEncoding string  `xml:"Content-Encoding,attr,omitempty"`
	ContentMD5      string  `xml:"Content-MD5,attr,omitempty"`

	FecOtiFecEncodingID            *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	FecOtiFecInstanceID            *uint16 `xml:"FEC-OTI-FEC-Instance-ID,attr,omitempty"`
	FecOtiMaximumSourceBlockLength *uint32 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	FecOtiEncodingSymbolLength     *uint16 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`
	FecOtiMaxNumberOfEncodingSymbols *uint32 `xml:"FEC-OTI-Max-Number-of-Encoding-Symbols,attr,omitempty"`
	FecOtiSchemeSpecificInfo       string  `xml:"FEC-OTI-Scheme-Specific-Info,attr,omitempty"`

	// 3GPP TS 26.346 extensions
	CacheControl               string `xml:"Cache-Control,attr,omitempty"`
	FileETag                   string `xml:"File-ETag,attr,omitempty"`
	FecRedundancyLevel         string `xml:"FEC-Redundancy-Level,attr,omitempty"`
	BaseURL1                   string `xml:"Base-URL-1,attr,omitempty"`
	BaseURL2                   string `xml:"Base-URL-2,attr,omitempty"`
	AlternateContentLocation1  string `xml:"Alternate-Content-Location-1,attr,omitempty"`
	AlternateContentLocation2  string `xml:"Alternate-Content-Location-2,attr,omitempty"`
	IndependentUnitPositions   string `xml:"IndependentUnitPositions,attr,omitempty"`
}

// Encode serializes the instance, always emitting the base namespace
// and the schemaVersion element.
func (instance *FdtInstance) Encode() ([]byte, error) {
	if instance.SchemaVersion == 0 {
		instance.SchemaVersion = 1
	}
	body, err := xml.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFDTParse, err)
	}
	return append([]byte(xml.Header), body...), nil
}

// DecodeFdtInstance parses FDT XML. Unknown elements and attributes are
// tolerated per processContents="skip"; duplicate TOIs are rejected.
func DecodeFdtInstance(data []byte) (*FdtInstance, error) {
	instance := &FdtInstance{}
	if err := xml.Unmarshal(data, instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFDTParse, err)
	}
	seen := make(map[string]bool, len(instance.Files))
	for i := range instance.Files {
		file := &instance.Files[i]
		if file.ContentLocation == "" {
			return nil, fmt.Errorf("%w: file without Content-Location", ErrFDTParse)
		}
		if _, err := strconv.ParseUint(file.Toi, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: bad TOI %q", ErrFDTParse, file.Toi)
		}
		if seen[file.Toi] {
			return nil, fmt.Errorf("%w: duplicate TOI %s", ErrFDTParse, file.Toi)
		}
		seen[file.Toi] = true
	}
	return instance, nil
}

// FileForToi returns the file entry for a TOI, or nil.
func (instance *FdtInstance) FileForToi(toi uint64) *FdtFile {
	key := strconv.FormatUint(toi, 10)
	for i := range instance.Files {
		if instance.Files[i].Toi == key {
			return &instance.Files[i]
		}
	}
	return nil
}

// ExpiresFromTime formats an absolute expiry as the NTP second count
// string that the Expires attribute carries.
func ExpiresFromTime(t time.Time) string {
	return strconv.FormatUint(uint64(t.Unix()+ntpEpochOffset), 10)
}

// ExpiresTime parses the Expires attribute back into wall clock time.
func (instance *FdtInstance) ExpiresTime() (time.Time, error) {
	seconds, err := strconv.ParseUint(instance.Expires, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad Expires %q", ErrFDTParse, instance.Expires)
	}
	return time.Unix(int64(seconds)-ntpEpochOffset, 0), nil
}

// AttachOti fills the FEC OTI attributes of a file entry from an OTI,
// for objects whose OTI differs from the session default or is not
// carried inband.
func (file *FdtFile) AttachOti(oti *Oti, transferLength uint64) {
	encodingID := oti.FecEncodingID
	file.FecOtiFecEncodingID = &encodingID
	if oti.FecEncodingID == FEC_REED_SOLOMON_GF28_UNDER_SPECIFIED {
		instanceID := oti.FecInstanceID
		file.FecOtiFecInstanceID = &instanceID
	}
	maxSourceBlock := oti.MaximumSourceBlockLength
	file.FecOtiMaximumSourceBlockLength = &maxSourceBlock
	symbolLength := oti.EncodingSymbolLength
	file.FecOtiEncodingSymbolLength = &symbolLength
	total := oti.TotalSymbols()
	file.FecOtiMaxNumberOfEncodingSymbols = &total
	if len(oti.SchemeSpecificInfo) > 0 {
		file.FecOtiSchemeSpecificInfo = base64.StdEncoding.EncodeToString(oti.SchemeSpecificInfo)
	}
	length := transferLength
	file.TransferLength = &length
}

// Oti reconstructs the OTI of a file entry, falling back to the
// instance level attributes for fields the entry does not carry.
// Returns nil when neither level provides an encoding id.
func (file *FdtFile) Oti(instance *FdtInstance) *Oti {
	encodingID := file.FecOtiFecEncodingID
	if encodingID == nil {
		encodingID = instance.FecOtiFecEncodingID
	}
	if encodingID == nil {
		return nil
	}
	oti := &Oti{FecEncodingID: *encodingID}
	if id := pick16(file.FecOtiFecInstanceID, instance.FecOtiFecInstanceID); id != nil {
		oti.FecInstanceID = *id
	}
	if v := pick32(file.FecOtiMaximumSourceBlockLength, instance.FecOtiMaximumSourceBlockLength); v != nil {
		oti.MaximumSourceBlockLength = *v
	}
	if v := pick16(file.FecOtiEncodingSymbolLength, instance.FecOtiEncodingSymbolLength); v != nil {
		oti.EncodingSymbolLength = *v
	}
	if v := pick32(file.FecOtiMaxNumberOfEncodingSymbols, instance.FecOtiMaxNumberOfEncodingSymbols); v != nil {
		if *v >= oti.MaximumSourceBlockLength {
			oti.MaxNumberOfParitySymbols = *v - oti.MaximumSourceBlockLength
		}
	}
	ssi := file.FecOtiSchemeSpecificInfo
	if ssi == "" {
		ssi = instance.FecOtiSchemeSpecificInfo
	}
	if ssi != "" {
		if raw, err := base64.StdEncoding.DecodeString(ssi); err == nil {
			oti.SchemeSpecificInfo = raw
		}
	}
	if oti.Validate() != nil {
		return nil
	}
	return oti
}

func pick16(file *uint16, instance *uint16) *uint16 {
	if file != nil {
		return file
	}
	return instance
}

func pick32(file *uint32, instance *uint32) *uint32 {
	if file != nil {
		return file
	}
	return instance
}
