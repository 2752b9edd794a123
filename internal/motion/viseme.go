package motion

// visemes groups phoneme classes by how far they open the jaw.
var visemes = map[string]float64{
	"AA": 1.0, "AE": 0.9, "AH": 0.8, "AO": 0.85, "AW": 0.85, "AY": 0.85,
	"EH": 0.7, "ER": 0.5, "EY": 0.6, "IH": 0.45, "IY": 0.35,
	"OW": 0.7, "OY": 0.7, "UH": 0.5, "UW": 0.4,
	"HH": 0.5, "L": 0.35, "R": 0.3, "W": 0.25, "Y": 0.3,
	"D": 0.25, "T": 0.25, "N": 0.25, "K": 0.3, "G": 0.3, "NG": 0.3,
	"S": 0.2, "Z": 0.2, "SH": 0.25, "CH": 0.25, "JH": 0.25, "TH": 0.2,
	"F": 0.1, "V": 0.1,
	"M": 0, "B": 0, "P": 0,
	"SIL": 0,
}

// VisemeOpenness returns the jaw opening of a phoneme class; unknown classes
// count as half open.
func VisemeOpenness(phoneme string) float64 {
	if v, ok := visemes[phoneme]; ok {
		return v
	}
	return 0.5
}
