package parsers

import (
	"io"
	"iter"

	"faa_sync/internal/registry"
)

// MASTER.txt columns.
const (
	colTailNumber        = "N-NUMBER"
	colSerialNumber      = "SERIAL NUMBER"
	colModelCode         = "MFR MDL CODE"
	colEngineCode        = "ENG MFR MDL"
	colYearMfr           = "YEAR MFR"
	colRegistrantType    = "TYPE REGISTRANT"
	colName              = "NAME"
	colStreet            = "STREET"
	colStreet2           = "STREET2"
	colCity              = "CITY"
	colState             = "STATE"
	colZipCode           = "ZIP CODE"
	colRegion            = "REGION"
	colCounty            = "COUNTY"
	colCountry           = "COUNTRY"
	colLastActionDate    = "LAST ACTION DATE"
	colCertIssueDate     = "CERT ISSUE DATE"
	colCertification     = "CERTIFICATION"
	colTypeAircraft      = "TYPE AIRCRAFT"
	colTypeEngine        = "TYPE ENGINE"
	colStatusCode        = "STATUS CODE"
	colModeSCode         = "MODE S CODE"
	colFractOwner        = "FRACT OWNER"
	colAirworthinessDate = "AIR WORTH DATE"
	colExpirationDate    = "EXPIRATION DATE"
	colUniqueID          = "UNIQUE ID"
	colKitMfr            = "KIT MFR"
	colKitModel          = "KIT MODEL"
	colModeSCodeHex      = "MODE S CODE HEX"
)

// colOtherNames are the five OTHER NAMES(n) columns.
var colOtherNames = [5]string{
	"OTHER NAMES(1)", "OTHER NAMES(2)", "OTHER NAMES(3)", "OTHER NAMES(4)", "OTHER NAMES(5)",
}

// ParseAircraft streams aircraft registrations from MASTER.txt.
// Rows without a usable tail number are skipped with a warning.
func ParseAircraft(r io.Reader) iter.Seq2[registry.AircraftRecord, error] {
	return stream(registry.KindAircraft, r, []string{colTailNumber}, buildAircraft)
}

func buildAircraft(r *row) (registry.AircraftRecord, *Warning) {
	raw := r.str(colTailNumber)
	tail := registry.NormaliseTail(raw)
	if tail == "" {
		return registry.AircraftRecord{}, r.skip(colTailNumber, raw, "missing tail number")
	}
	if !registry.ValidTail(tail) {
		return registry.AircraftRecord{}, r.skip(colTailNumber, raw, "invalid tail number")
	}

	var others [5]string
	for i, col := range colOtherNames {
		others[i] = r.str(col)
	}

	return registry.AircraftRecord{
		TailNumber:        tail,
		SerialNumber:      r.str(colSerialNumber),
		ModelCode:         r.code(colModelCode),
		EngineCode:        r.code(colEngineCode),
		YearMfr:           r.int(colYearMfr),
		RegistrantType:    r.str(colRegistrantType),
		RegistrantName:    r.str(colName),
		Street:            r.str(colStreet),
		Street2:           r.str(colStreet2),
		City:              r.str(colCity),
		State:             r.str(colState),
		ZipCode:           r.str(colZipCode),
		Region:            r.str(colRegion),
		County:            r.str(colCounty),
		Country:           r.str(colCountry),
		LastActionDate:    r.date(colLastActionDate),
		CertIssueDate:     r.date(colCertIssueDate),
		Certification:     r.str(colCertification),
		AircraftType:      r.str(colTypeAircraft),
		EngineType:        r.str(colTypeEngine),
		StatusCode:        r.str(colStatusCode),
		ModeSCode:         r.str(colModeSCode),
		ModeSCodeHex:      r.str(colModeSCodeHex),
		FractionalOwner:   r.str(colFractOwner),
		AirworthinessDate: r.date(colAirworthinessDate),
		ExpirationDate:    r.date(colExpirationDate),
		UniqueID:          r.str(colUniqueID),
		KitManufacturer:   r.str(colKitMfr),
		KitModel:          r.str(colKitModel),
		OtherNames:        others,
	}, nil
}
