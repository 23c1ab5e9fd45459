// Package registry defines the FAA releasable aircraft entities shared by the
// parsers, the loader and the lookup API.
package registry

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies one of the record kinds carried by the releasable archive.
type Kind string

const (
	KindModel    Kind = "model"
	KindEngine   Kind = "engine"
	KindAircraft Kind = "aircraft"
)

// LoadOrder lists record kinds in the order they must be committed.
// Aircraft reference models and engines so they always come last.
var LoadOrder = []Kind{KindModel, KindEngine, KindAircraft}

// MemberFile returns the archive member that carries records of this kind.
func (k Kind) MemberFile() string {
	switch k {
	case KindModel:
		return "ACFTREF.txt"
	case KindEngine:
		return "ENGINE.txt"
	case KindAircraft:
		return "MASTER.txt"
	}
	return ""
}

// AircraftModel is a row of the aircraft reference file (ACFTREF).
type AircraftModel struct {
	Code             string // Manufacturer (3) + model (2) + series (2).
	ManufacturerName string
	ModelName        string
	AircraftType     string
	EngineType       string
	Category         string
	BuilderCert      string
	Engines          *int
	Seats            *int
	WeightClass      string
	CruisingSpeed    *int
	TCDataSheet      string
	TCDataHolder     string
}

// ManufacturerCode returns the manufacturer half of the code pair.
func (m AircraftModel) ManufacturerCode() string {
	if len(m.Code) < 3 {
		return m.Code
	}
	return m.Code[:3]
}

// ModelCode returns the model and series half of the code pair.
func (m AircraftModel) ModelCode() string {
	if len(m.Code) < 3 {
		return ""
	}
	return m.Code[3:]
}

// Hash fingerprints every stored column so unchanged rows can be detected.
func (m AircraftModel) Hash() string {
	return hashFields(
		m.Code, m.ManufacturerName, m.ModelName, m.AircraftType, m.EngineType,
		m.Category, m.BuilderCert, fmtInt(m.Engines), fmtInt(m.Seats),
		m.WeightClass, fmtInt(m.CruisingSpeed), m.TCDataSheet, m.TCDataHolder,
	)
}

// EngineModel is a row of the engine reference file (ENGINE).
type EngineModel struct {
	Code             string
	ManufacturerName string
	ModelName        string
	EngineType       string
	Horsepower       *int
	Thrust           *int // Pounds of thrust.
}

// Hash fingerprints every stored column.
func (e EngineModel) Hash() string {
	return hashFields(
		e.Code, e.ManufacturerName, e.ModelName, e.EngineType,
		fmtInt(e.Horsepower), fmtInt(e.Thrust),
	)
}

// AircraftRecord is a row of the aircraft registration master file (MASTER).
// ModelCode and EngineCode are foreign keys; empty means NULL.
type AircraftRecord struct {
	TailNumber        string // Normalised, without the N prefix.
	SerialNumber      string
	ModelCode         string
	EngineCode        string
	YearMfr           *int
	RegistrantType    string
	RegistrantName    string
	Street            string
	Street2           string
	City              string
	State             string
	ZipCode           string
	Region            string
	County            string
	Country           string
	LastActionDate    *time.Time
	CertIssueDate     *time.Time
	Certification     string
	AircraftType      string
	EngineType        string
	StatusCode        string
	ModeSCode         string
	ModeSCodeHex      string
	FractionalOwner   string
	AirworthinessDate *time.Time
	ExpirationDate    *time.Time
	UniqueID          string
	KitManufacturer   string
	KitModel          string
	OtherNames        [5]string // Co-owners or partners, in file order.
}

// Hash fingerprints every stored column, foreign keys included.
func (a AircraftRecord) Hash() string {
	return hashFields(
		a.TailNumber, a.SerialNumber, a.ModelCode, a.EngineCode, fmtInt(a.YearMfr),
		a.RegistrantType, a.RegistrantName, a.Street, a.Street2, a.City, a.State,
		a.ZipCode, a.Region, a.County, a.Country, fmtDate(a.LastActionDate),
		fmtDate(a.CertIssueDate), a.Certification, a.AircraftType, a.EngineType,
		a.StatusCode, a.ModeSCode, a.ModeSCodeHex, a.FractionalOwner,
		fmtDate(a.AirworthinessDate), fmtDate(a.ExpirationDate), a.UniqueID,
		a.KitManufacturer, a.KitModel,
		a.OtherNames[0], a.OtherNames[1], a.OtherNames[2], a.OtherNames[3], a.OtherNames[4],
	)
}

// MaxTailLength is the longest registration mark after the N prefix.
const MaxTailLength = 5

// NormaliseTail converts a registration mark to its canonical stored form:
// trimmed, uppercased and without the leading N country prefix.
func NormaliseTail(tail string) string {
	tail = strings.ToUpper(strings.TrimSpace(tail))
	return strings.TrimPrefix(tail, "N")
}

// ValidTail reports whether a normalised tail is 1-5 alphanumeric characters.
func ValidTail(tail string) bool {
	if tail == "" || len(tail) > MaxTailLength {
		return false
	}
	for _, c := range tail {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// DisplayTail restores the N prefix for presentation.
func DisplayTail(tail string) string {
	if tail == "" {
		return ""
	}
	return "N" + tail
}

func hashFields(fields ...string) string {
	d := xxhash.New()
	for _, f := range fields {
		_, _ = d.WriteString(f)
		_, _ = d.Write([]byte{0x1f})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

func fmtInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func fmtDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
