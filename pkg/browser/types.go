package browser

// Profile is the Chrome profile the execution context drives
type Profile struct {
	Name        string `json:"name"`
	CDPPort     int    `json:"cdpPort"`
	CDPUrl      string `json:"cdpUrl,omitempty"`
	Headless    bool   `json:"headless"`
	NoSandbox   bool   `json:"noSandbox"`
	AttachOnly  bool   `json:"attachOnly"`
	UserDataDir string `json:"userDataDir,omitempty"`
	ChromePath  string `json:"chromePath,omitempty"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowFileUrls      bool     `json:"allowFileUrls"`
	AllowLocalhostUrls bool     `json:"allowLocalhostUrls"`
	AllowedDomains     []string `json:"allowedDomains,omitempty"`
	BlockedDomains     []string `json:"blockedDomains,omitempty"`
}

// OpenURLPayload is the OPEN_URL command payload
type OpenURLPayload struct {
	URL string `json:"url"`
}

// FillSelectorPayload is the FILL_SELECTOR command payload
type FillSelectorPayload struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// ClickSelectorPayload is the CLICK_SELECTOR command payload
type ClickSelectorPayload struct {
	Selector string `json:"selector"`
}

// Error types
type BrowserError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *BrowserError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNavigation      = "NAVIGATION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeElementNotFound = "ELEMENT_NOT_FOUND"
	ErrCodeScriptExecution = "SCRIPT_EXECUTION_ERROR"
	ErrCodeSecurity        = "SECURITY_ERROR"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
)
