package textnorm

// Static canonicalization tables for Spanish-language résumé text. Keys are
// matched against cleaned tokens, so they carry no punctuation or accents.
// Both tables are many-to-one: several surface forms collapse onto one
// canonical representative.

// abbreviations expands common CV shorthand to its full form. Applied first,
// token by token.
var abbreviations = map[string]string{
	// Professions and titles
	"lic":   "licenciado",
	"licda": "licenciada",
	"ing":   "ingeniero",
	"ingra": "ingeniera",
	"tec":   "tecnico",
	"tecn":  "tecnico",
	"prof":  "profesor",
	"dr":    "doctor",
	"dra":   "doctora",
	"cont":  "contador",
	"ctdor": "contador",
	"adm":   "administracion",
	"admvo": "administrativo",
	"admva": "administrativa",
	"coord": "coordinador",
	"sup":   "supervisor",
	"supv":  "supervisor",
	"ger":   "gerente",
	"dir":   "director",
	"jef":   "jefe",
	"asist": "asistente",

	// Areas and departments
	"rrhh":   "recursos humanos",
	"rh":     "recursos humanos",
	"fin":    "finanzas",
	"contab": "contabilidad",
	"mkt":    "marketing",
	"mk":     "marketing",
	"com":    "comercial",
	"log":    "logistica",
	"prod":   "produccion",
	"sist":   "sistemas",
	"it":     "tecnologia",
	"qa":     "aseguramiento de calidad",

	// Education
	"sec":    "secundario",
	"prim":   "primario",
	"univ":   "universidad",
	"uni":    "universidad",
	"u":      "universidad",
	"fac":    "facultad",
	"inst":   "instituto",
	"post":   "posgrado",
	"maestr": "maestria",
	"dip":    "diplomatura",
	"cap":    "capacitacion",

	// Languages and certifications
	"ingl": "ingles",
	"esp":  "espanol",
	"fr":   "frances",
	"b2":   "ingles intermedio",
	"c1":   "ingles avanzado",

	// Technology
	"prog": "programacion",
	"dev":  "desarrollador",
	"soft": "software",
	"app":  "aplicacion",
	"db":   "base de datos",
	"bd":   "base de datos",
	"js":   "javascript",
	"ts":   "typescript",
	"py":   "python",
	"cs":   "csharp",
	"hr":   "recursos humanos",
	"ux":   "experiencia de usuario",
	"ui":   "interfaz de usuario",
	"aws":  "amazon web services",
	"gcp":  "google cloud",
	"api":  "interfaz de programacion",
	"erp":  "planificacion de recursos empresariales",
	"crm":  "gestion de relaciones con clientes",

	// Places
	"bsas": "buenos aires",
	"caba": "ciudad autonoma de buenos aires",
	"arg":  "argentina",
	"mx":   "mexico",

	// Other
	"exp": "experiencia",
	"ref": "referencia",
	"cv":  "curriculum vitae",
}

// synonyms collapses lexical variants onto one cluster representative.
// Applied after abbreviation expansion, token by token. No value of this
// table may appear as a key of either table, so a single
// abbreviation-then-synonym pass reaches a fixed point.
var synonyms = map[string]string{
	// Human resources
	"humanos":    "recursos humanos",
	"talento":    "recursos humanos",
	"nomina":     "recursos humanos",
	"seleccion":  "reclutamiento",
	"recruiting": "reclutamiento",
	"reclutador": "reclutamiento",
	"headhunter": "reclutamiento",

	// Technology
	"servidor":     "backend",
	"web":          "fullstack",
	"developer":    "desarrollador",
	"programador":  "desarrollador",
	"programadora": "desarrollador",
	"software":     "desarrollo de software",
	"apps":         "aplicaciones",
	"sistemas":     "tecnologia",
	"informatico":  "tecnologia",
	"tester":       "calidad",
	"data":         "datos",
	"bigdata":      "datos",
	"etl":          "datos",
	"ml":           "machine learning",
	"dl":           "deep learning",
	"ia":           "inteligencia artificial",
	"ai":           "inteligencia artificial",
	"sql":          "base de datos",
	"postgres":     "base de datos",
	"mysql":        "base de datos",
	"mongo":        "base de datos",
	"nosql":        "base de datos",

	// Education
	"profesorado": "docencia",
	"docente":     "docencia",
	"ensenanza":   "docencia",
	"formador":    "docencia",
	"educador":    "docencia",
	"estudiante":  "alumno",
	"alumna":      "alumno",

	// Finance and administration
	"administrativo": "administracion",
	"facturacion":    "administracion",
	"contable":       "contabilidad",
	"financiero":     "finanzas",
	"presupuestos":   "finanzas",
	"tesoreria":      "finanzas",
	"pago":           "finanzas",

	// Logistics and production
	"supply":      "logistica",
	"almacen":     "logistica",
	"inventario":  "logistica",
	"fabricacion": "produccion",
	"planta":      "produccion",

	// Marketing and sales
	"comercial":  "ventas",
	"promocion":  "marketing",
	"publicidad": "marketing",
	"community":  "marketing",
	"social":     "marketing",
	"branding":   "marketing",
	"seo":        "marketing",
	"sem":        "marketing",

	// Languages
	"english":    "ingles",
	"spanish":    "espanol",
	"french":     "frances",
	"portuguese": "portugues",

	// General
	"trayectoria":  "experiencia",
	"referencias":  "referencia",
	"contacto":     "referencia",
	"consultora":   "consultor",
	"asesor":       "consultor",
	"asesora":      "consultor",
	"proyecto":     "proyectos",
	"auditor":      "auditoria",
	"auditora":     "auditoria",
	"manager":      "gestion",
	"gerente":      "gestion",
	"lider":        "liderazgo",
	"jefe":         "liderazgo",
	"jefa":         "liderazgo",
	"coordinador":  "liderazgo",
	"coordinadora": "liderazgo",
	"supervisor":   "liderazgo",
	"supervisora":  "liderazgo",
	"trabajo":      "trabajo en equipo",
	"equipo":       "trabajo en equipo",
	"colaboracion": "trabajo en equipo",
	"comunicador":  "comunicacion",
	"comunicadora": "comunicacion",
	"organizador":  "organizacion",
	"organizadora": "organizacion",
	"resolucion":   "resolucion de problemas",
	"problemas":    "resolucion de problemas",
	"creativo":     "creatividad",
	"creativa":     "creatividad",
	"flexibilidad": "adaptabilidad",
	"adaptable":    "adaptabilidad",
	"responsable":  "responsabilidad",
	"proactivo":    "proactividad",
	"proactiva":    "proactividad",
	"iniciativa":   "proactividad",
	"autonomia":    "proactividad",
	"metodico":     "metodologia",
	"metodica":     "metodologia",
	"detallista":   "atencion al detalle",
	"detalle":      "atencion al detalle",
	"detallado":    "atencion al detalle",
	"puntual":      "puntualidad",
}

// canonicalPhrases is the set of multi-word canonical representatives. A
// phrase found here is kept as a single token instead of being split into
// words, which is what makes normalization idempotent.
var canonicalPhrases = map[string]bool{}

func init() {
	for _, v := range abbreviations {
		registerCanonicalPhrase(v)
	}
	for _, v := range synonyms {
		registerCanonicalPhrase(v)
	}
}

func registerCanonicalPhrase(v string) {
	for _, r := range v {
		if r == ' ' {
			canonicalPhrases[v] = true
			return
		}
	}
}
