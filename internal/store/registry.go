package store

// =============================================================================
// AGENT REGISTRY
// =============================================================================

// AgentInfo describes one persona independent of its knowledge documents.
type AgentInfo struct {
	DisplayRole string
	Intro       string
	Expertise   []string
}

// DefaultAgentRegistry defines the built-in personas. Agents discovered in
// the database but absent here still get a minimal profile; these entries
// exist so fallback targets are always valid even on an empty database.
var DefaultAgentRegistry = map[string]AgentInfo{
	"presaleskb": {
		DisplayRole: "Pre-Sales Consultant",
		Intro:       "Hi! I'm your Pre-Sales Consultant. I help analyze businesses and provide tailored solutions including ROI analysis and technical implementation details.",
		Expertise:   []string{"pricing", "ROI", "technical implementation", "business analysis"},
	},
	"socialmediakb": {
		DisplayRole: "Social Media Manager",
		Intro:       "Hello! I'm your Social Media Manager. I specialize in digital presence strategies, content marketing, and social media automation across all major platforms.",
		Expertise:   []string{"social media", "content marketing", "digital presence", "automation"},
	},
	"leadgenkb": {
		DisplayRole: "Lead Generation Specialist",
		Intro:       "Hi there! I'm your Lead Generation Specialist. I help schedule demos, coordinate follow-ups, and ensure all your business needs are properly addressed.",
		Expertise:   []string{"lead generation", "demo scheduling", "follow-ups", "qualification"},
	},
}
