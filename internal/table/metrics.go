package table

// Metric is a named quantity derived from output columns.
type Metric struct {
	Name    string
	Columns []int
	// Hospital metrics come from the hospital overload file instead.
	Hospital    bool
	HospitalCol int
	LogScale    bool
}

// Values returns the metric per row of t.
func (m Metric) Values(t *Table) []float64 {
	if m.Hospital {
		return t.Column(m.HospitalCol)
	}
	return Sum(t, m.Columns)
}

var (
	Infections = Metric{Name: "Infections", Columns: []int{
		ColSymptomaticPreinfectiousNH, ColSymptomaticPreinfectiousH, ColPresymptomaticInfectious,
		ColSymptomaticInfectiousNH, ColSymptomaticInfectiousH, ColAsymptomaticPreinfectious}}
	Hospitalizations = Metric{Name: "Hospitalizations", Columns: []int{ColHospitalNoninfectious, ColHospitalInfectious}}
	Deaths           = Metric{Name: "Deaths", Columns: []int{ColDead}}

	OverloadedHospitals = Metric{Name: "Overloaded Hospitals", Hospital: true, HospitalCol: HospOverloaded, LogScale: true}
	UnderservedPatients = Metric{Name: "Underserved Patients", Hospital: true, HospitalCol: HospUnderserved, LogScale: true}
)

// SweepMetrics are the panels drawn for every sweep group.
var SweepMetrics = []Metric{Infections, Hospitalizations, Deaths, OverloadedHospitals, UnderservedPatients}

// Ensemble-derived quantities.
var (
	TotalInfected = Metric{Name: "TotalInfected", Columns: []int{
		ColPresymptomaticPreinfectious, ColSymptomaticPreinfectiousNH, ColSymptomaticPreinfectiousH,
		ColPresymptomaticInfectious, ColSymptomaticInfectiousNH, ColSymptomaticInfectiousH,
		ColAsymptomaticPreinfectious, ColAsymptomaticInfectious, ColHospitalNoninfectious, ColHospitalInfectious}}
	TotalHospitalized = Metric{Name: "TotalHospitalized", Columns: []int{
		ColHospitalNoninfectious, ColHospitalInfectious, ColICU, ColVentilator}}
	EnsembleDeaths = Metric{Name: "Deaths", Columns: []int{ColDead}}
	Recovered      = Metric{Name: "Recovered", Columns: []int{ColRecovered}}
)

// EnsembleMetrics are aggregated in this order in the summary files.
var EnsembleMetrics = []Metric{TotalInfected, TotalHospitalized, EnsembleDeaths, Recovered}

// Regression comparison quantities.
var CompareMetrics = []Metric{
	{Name: "Susceptible", Columns: []int{ColSusceptible}},
	{Name: "Total Infectious", Columns: []int{ColPresymptomaticInfectious, ColSymptomaticInfectiousNH,
		ColSymptomaticInfectiousH, ColAsymptomaticInfectious, ColHospitalInfectious}},
	{Name: "Hospitalized", Columns: []int{ColHospitalNoninfectious, ColHospitalInfectious}},
	{Name: "ICU", Columns: []int{ColICU}},
	{Name: "Deaths", Columns: []int{ColDead}},
	{Name: "Recovered", Columns: []int{ColRecovered}},
}
