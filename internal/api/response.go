package api

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"faa_sync/internal/storage"
)

// AircraftResponse is the JSON response for aircraft lookups.
type AircraftResponse struct {
	Registration      string          `json:"registration"`
	TailNumber        string          `json:"tail_number"`
	SerialNumber      string          `json:"serial_number,omitempty"`
	YearManufactured  *int            `json:"year_manufactured,omitempty"`
	AircraftType      string          `json:"aircraft_type,omitempty"`
	EngineType        string          `json:"engine_type,omitempty"`
	StatusCode        string          `json:"status_code,omitempty"`
	Certification     string          `json:"certification,omitempty"`
	ModeSCode         string          `json:"mode_s_code,omitempty"`
	ModeSCodeHex      string          `json:"mode_s_code_hex,omitempty"`
	FractionalOwner   bool            `json:"fractional_owner"`
	LastActionDate    string          `json:"last_action_date,omitempty"`
	CertIssueDate     string          `json:"cert_issue_date,omitempty"`
	AirworthinessDate string          `json:"airworthiness_date,omitempty"`
	ExpirationDate    string          `json:"expiration_date,omitempty"`
	UniqueID          string          `json:"unique_id,omitempty"`
	KitManufacturer   string          `json:"kit_manufacturer,omitempty"`
	KitModel          string          `json:"kit_model,omitempty"`
	Registrant        Registrant      `json:"registrant"`
	Model             *ModelResponse  `json:"model"`
	Engine            *EngineResponse `json:"engine"`
	ModelCode         string          `json:"model_code,omitempty"`
	EngineCode        string          `json:"engine_code,omitempty"`
	SyncRunID         string          `json:"sync_run_id"`
}

// Registrant is the registered owner.
type Registrant struct {
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
	Street  string `json:"street,omitempty"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zip_code,omitempty"`
	Region  string `json:"region,omitempty"`
	County  string `json:"county,omitempty"`
	Country string `json:"country,omitempty"`

	OtherNames []string `json:"other_names,omitempty"`
}

// ModelResponse is the resolved aircraft model.
type ModelResponse struct {
	Code          string `json:"code"`
	Manufacturer  string `json:"manufacturer"`
	Model         string `json:"model"`
	AircraftType  string `json:"aircraft_type,omitempty"`
	EngineType    string `json:"engine_type,omitempty"`
	Category      string `json:"category,omitempty"`
	Engines       *int   `json:"engines,omitempty"`
	Seats         *int   `json:"seats,omitempty"`
	WeightClass   string `json:"weight_class,omitempty"`
	CruisingSpeed *int   `json:"cruising_speed,omitempty"`
	TCDataSheet   string `json:"tc_data_sheet,omitempty"`
	TCDataHolder  string `json:"tc_data_holder,omitempty"`
}

// EngineResponse is the resolved engine model.
type EngineResponse struct {
	Code         string `json:"code"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Type         string `json:"type,omitempty"`
	Horsepower   *int   `json:"horsepower,omitempty"`
	Thrust       *int   `json:"thrust,omitempty"`
}

// RunResponse summarises one sync run.
type RunResponse struct {
	ID         string `json:"id"`
	Outcome    string `json:"outcome"`
	FailedStep string `json:"failed_step,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
	Aircraft   int64  `json:"aircraft"`
	Models     int64  `json:"models"`
	Engines    int64  `json:"engines"`
	Inserted   int64  `json:"inserted"`
	Updated    int64  `json:"updated"`
	Deleted    int64  `json:"deleted"`
	Warnings   int64  `json:"warnings"`
	Error      string `json:"error,omitempty"`
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status  string         `json:"status"`
	Time    string         `json:"time"`
	Counts  *storage.Stats `json:"counts,omitempty"`
	LastRun *RunResponse   `json:"last_run,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func toAircraftResponse(d *storage.AircraftDetail) AircraftResponse {
	a := d.AircraftRecord
	resp := AircraftResponse{
		Registration:      "N" + a.TailNumber,
		TailNumber:        a.TailNumber,
		SerialNumber:      a.SerialNumber,
		YearManufactured:  a.YearMfr,
		AircraftType:      a.AircraftType,
		EngineType:        a.EngineType,
		StatusCode:        a.StatusCode,
		Certification:     a.Certification,
		ModeSCode:         a.ModeSCode,
		ModeSCodeHex:      a.ModeSCodeHex,
		FractionalOwner:   strings.EqualFold(a.FractionalOwner, "Y"),
		LastActionDate:    formatDate(a.LastActionDate),
		CertIssueDate:     formatDate(a.CertIssueDate),
		AirworthinessDate: formatDate(a.AirworthinessDate),
		ExpirationDate:    formatDate(a.ExpirationDate),
		UniqueID:          a.UniqueID,
		KitManufacturer:   a.KitManufacturer,
		KitModel:          a.KitModel,
		ModelCode:         a.ModelCode,
		EngineCode:        a.EngineCode,
		SyncRunID:         d.SyncRunID,
		Registrant: Registrant{
			Type:    a.RegistrantType,
			Name:    a.RegistrantName,
			Street:  a.Street,
			Street2: a.Street2,
			City:    a.City,
			State:   a.State,
			ZipCode: a.ZipCode,
			Region:  a.Region,
			County:  a.County,
			Country: a.Country,
		},
	}
	for _, n := range a.OtherNames {
		if n != "" {
			resp.Registrant.OtherNames = append(resp.Registrant.OtherNames, n)
		}
	}

	if m := d.Model; m != nil {
		resp.Model = &ModelResponse{
			Code:          m.Code,
			Manufacturer:  m.ManufacturerName,
			Model:         m.ModelName,
			AircraftType:  m.AircraftType,
			EngineType:    m.EngineType,
			Category:      m.Category,
			Engines:       m.Engines,
			Seats:         m.Seats,
			WeightClass:   m.WeightClass,
			CruisingSpeed: m.CruisingSpeed,
			TCDataSheet:   m.TCDataSheet,
			TCDataHolder:  m.TCDataHolder,
		}
	}
	if e := d.Engine; e != nil {
		resp.Engine = &EngineResponse{
			Code:         e.Code,
			Manufacturer: e.ManufacturerName,
			Model:        e.ModelName,
			Type:         e.EngineType,
			Horsepower:   e.Horsepower,
			Thrust:       e.Thrust,
		}
	}
	return resp
}

func toRunResponse(r storage.SyncRun) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Outcome:    string(r.Outcome),
		FailedStep: r.FailedStep,
		StartedAt:  r.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt: r.FinishedAt.UTC().Format(time.RFC3339),
		DurationMs: r.Duration().Milliseconds(),
		Aircraft:   r.Aircraft,
		Models:     r.Models,
		Engines:    r.Engines,
		Inserted:   r.Inserted,
		Updated:    r.Updated,
		Deleted:    r.Deleted,
		Warnings:   r.Warnings,
		Error:      r.Error,
	}
}

// writeCard renders a lookup as an aligned plain-text card.
func writeCard(w io.Writer, a AircraftResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", label, value)
		}
	}

	fmt.Fprintf(tw, "%s\n", a.Registration)
	row("Serial", a.SerialNumber)
	if a.Model != nil {
		row("Manufacturer", a.Model.Manufacturer)
		row("Model", a.Model.Model)
	} else {
		row("Model code", a.ModelCode)
	}
	if a.YearManufactured != nil {
		row("Year", fmt.Sprint(*a.YearManufactured))
	}
	if a.Engine != nil {
		row("Engine", strings.TrimSpace(a.Engine.Manufacturer+" "+a.Engine.Model))
	}
	row("Registrant", a.Registrant.Name)
	row("Other names", strings.Join(a.Registrant.OtherNames, "; "))
	row("Address", joinNonEmpty(", ", a.Registrant.Street, a.Registrant.City,
		joinNonEmpty(" ", a.Registrant.State, a.Registrant.ZipCode)))
	row("Status", a.StatusCode)
	if a.ModeSCode != "" {
		row("Mode S", fmt.Sprintf("%s (%s)", a.ModeSCode, a.ModeSCodeHex))
	}
	row("Certificate issued", a.CertIssueDate)
	row("Expires", a.ExpirationDate)
	return tw.Flush()
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
