package combi

// State is one birth-entity option on the registry form.
type State struct {
	// Code is the 1-based position in the catalog, used as the stable
	// stateCode inside a Combination.
	Code int
	// Name matches the visible option text on the form.
	Name string
	// CURPKey is the two-letter entity key used both in the form's select
	// values and at positions 12-13 of an issued CURP.
	CURPKey string
}

// Catalog lists the 33 registry entities (31 states, Ciudad de México, and
// the foreign-born option) in form order.
var Catalog = []State{
	{1, "Aguascalientes", "AS"},
	{2, "Baja California", "BC"},
	{3, "Baja California Sur", "BS"},
	{4, "Campeche", "CC"},
	{5, "Chiapas", "CS"},
	{6, "Chihuahua", "CH"},
	{7, "Coahuila", "CL"},
	{8, "Colima", "CM"},
	{9, "Durango", "DG"},
	{10, "Guanajuato", "GT"},
	{11, "Guerrero", "GR"},
	{12, "Hidalgo", "HG"},
	{13, "Jalisco", "JC"},
	{14, "México", "MC"},
	{15, "Michoacán", "MN"},
	{16, "Morelos", "MS"},
	{17, "Nayarit", "NT"},
	{18, "Nuevo León", "NL"},
	{19, "Oaxaca", "OC"},
	{20, "Puebla", "PL"},
	{21, "Querétaro", "QT"},
	{22, "Quintana Roo", "QR"},
	{23, "San Luis Potosí", "SP"},
	{24, "Sinaloa", "SL"},
	{25, "Sonora", "SR"},
	{26, "Tabasco", "TC"},
	{27, "Tamaulipas", "TS"},
	{28, "Tlaxcala", "TL"},
	{29, "Veracruz", "VZ"},
	{30, "Yucatán", "YN"},
	{31, "Zacatecas", "ZS"},
	{32, "Ciudad de México", "DF"},
	{33, "Nacido en el extranjero", "NE"},
}

// StateByCode returns the catalog entry for a 1-based state code.
func StateByCode(code int) (State, bool) {
	if code < 1 || code > len(Catalog) {
		return State{}, false
	}
	return Catalog[code-1], true
}
