package parsers

import (
	"io"
	"iter"

	"faa_sync/internal/registry"
)

// ACFTREF.txt and ENGINE.txt columns.
const (
	colCode         = "CODE"
	colMfr          = "MFR"
	colModel        = "MODEL"
	colTypeAcft     = "TYPE-ACFT"
	colTypeEng      = "TYPE-ENG"
	colCategory     = "AC-CAT"
	colBuildCert    = "BUILD-CERT-IND"
	colEngines      = "NO-ENG"
	colSeats        = "NO-SEATS"
	colWeight       = "AC-WEIGHT"
	colSpeed        = "SPEED"
	colTCDataSheet  = "TC-DATA-SHEET"
	colTCDataHolder = "TC-DATA-HOLDER"
	colEngineType   = "TYPE"
	colHorsepower   = "HORSEPOWER"
	colThrust       = "THRUST"
)

// ParseModels streams aircraft models from ACFTREF.txt.
func ParseModels(r io.Reader) iter.Seq2[registry.AircraftModel, error] {
	return stream(registry.KindModel, r, []string{colCode}, buildModel)
}

// ParseEngines streams engine models from ENGINE.txt.
func ParseEngines(r io.Reader) iter.Seq2[registry.EngineModel, error] {
	return stream(registry.KindEngine, r, []string{colCode}, buildEngine)
}

func buildModel(r *row) (registry.AircraftModel, *Warning) {
	code := r.code(colCode)
	if code == "" {
		return registry.AircraftModel{}, r.skip(colCode, "", "missing model code")
	}

	return registry.AircraftModel{
		Code:             code,
		ManufacturerName: r.str(colMfr),
		ModelName:        r.str(colModel),
		AircraftType:     r.str(colTypeAcft),
		EngineType:       r.str(colTypeEng),
		Category:         r.str(colCategory),
		BuilderCert:      r.str(colBuildCert),
		Engines:          r.int(colEngines),
		Seats:            r.int(colSeats),
		WeightClass:      r.str(colWeight),
		CruisingSpeed:    r.int(colSpeed),
		TCDataSheet:      r.str(colTCDataSheet),
		TCDataHolder:     r.str(colTCDataHolder),
	}, nil
}

func buildEngine(r *row) (registry.EngineModel, *Warning) {
	code := r.code(colCode)
	if code == "" {
		return registry.EngineModel{}, r.skip(colCode, "", "missing engine code")
	}

	return registry.EngineModel{
		Code:             code,
		ManufacturerName: r.str(colMfr),
		ModelName:        r.str(colModel),
		EngineType:       r.str(colEngineType),
		Horsepower:       r.int(colHorsepower),
		Thrust:           r.int(colThrust),
	}, nil
}
