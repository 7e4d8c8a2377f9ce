package execution

import "time"

// Family groups sandbox languages that share resource limits.
type Family string

const (
	FamilyCompiled    Family = "compiled"
	FamilyJVM         Family = "jvm"
	FamilyInterpreted Family = "interpreted"
)

// Limits is the CPU budget of a family and the wall-clock multiplier applied to it.
type Limits struct {
	CPU            time.Duration `yaml:"cpu"`
	WallMultiplier float64       `yaml:"wallMultiplier"`
}

// Wall returns the wall-clock limit.
func (l Limits) Wall() time.Duration {
	return time.Duration(float64(l.CPU) * l.WallMultiplier)
}

var defaultFamilyLimits = map[Family]Limits{
	FamilyCompiled:    {CPU: 2 * time.Second, WallMultiplier: 3},
	FamilyJVM:         {CPU: 4 * time.Second, WallMultiplier: 3},
	FamilyInterpreted: {CPU: 5 * time.Second, WallMultiplier: 3},
}

// Judge0 CE language ids. Anything unlisted is treated as interpreted.
var languageFamilies = map[int]Family{
	48: FamilyCompiled, // C (GCC 7.4.0)
	49: FamilyCompiled, // C (GCC 8.3.0)
	50: FamilyCompiled, // C (GCC 9.2.0)
	52: FamilyCompiled, // C++ (GCC 7.4.0)
	53: FamilyCompiled, // C++ (GCC 8.3.0)
	54: FamilyCompiled, // C++ (GCC 9.2.0)
	75: FamilyCompiled, // C (Clang 7.0.1)
	76: FamilyCompiled, // C++ (Clang 7.0.1)
	62: FamilyJVM,      // Java (OpenJDK 13.0.1)
	78: FamilyJVM,      // Kotlin (1.3.70)
	81: FamilyJVM,      // Scala (2.13.2)
	86: FamilyJVM,      // Clojure (1.10.1)
	88: FamilyJVM,      // Groovy (3.0.3)
	91: FamilyJVM,      // Java (JDK 17.0.6)
}

// LimitTable resolves per-language limits. The zero value uses the built-in table.
type LimitTable struct {
	Families map[Family]Limits
}

// FamilyOf returns the family of a sandbox language id.
func FamilyOf(languageID int) Family {
	if f, ok := languageFamilies[languageID]; ok {
		return f
	}
	return FamilyInterpreted
}

// For returns the limits for languageID.
func (t LimitTable) For(languageID int) Limits {
	family := FamilyOf(languageID)
	if l, ok := t.Families[family]; ok && l.CPU > 0 {
		if l.WallMultiplier <= 0 {
			l.WallMultiplier = defaultFamilyLimits[family].WallMultiplier
		}
		return l
	}
	return defaultFamilyLimits[family]
}
