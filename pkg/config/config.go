package config

// config file
type (
	LDAP struct {
		Enabled bool
		Listen  string
		// StartTLS parameters
		TLS         bool
		TLSCert     string
		TLSKey      string
		TLSCertPath string
		TLSKeyPath  string
		LegacyTLS   bool
	}

	LDAPS struct {
		Enabled   bool
		Listen    string
		Cert      string
		Key       string
		LegacyTLS bool
	}

	// Frontend is the deprecated single-listener section, folded into
	// LDAP/LDAPS during config validation.
	Frontend struct {
		Listen string
		Cert   string
		Key    string
		TLS    bool
	}

	API struct {
		Cert      string
		Enabled   bool
		Internals bool
		Key       string
		Listen    string
		TLS       bool
	}

	Directory struct {
		BaseDN                   string
		Organization             string
		UserOU                   string
		GroupOU                  string
		TenantOU                 string
		AllowAnonymousBind       bool
		AdminDN                  string
		AdminPassword            string
		TenantIsolation          bool
		MaxConnections           int
		ConnectionTimeoutSeconds int
		MaxSearchResults         int
		AttributeMap             map[string]string
	}

	User struct {
		Name        string
		Tenant      string
		UIDNumber   int
		PassSHA256  string
		PassBcrypt  string
		OTPSecret   string
		Disabled    bool
		Mail        string
		GivenName   string
		SN          string
		LoginShell  string
		Homedir     string
		Groups      []string
		CustomAttrs map[string]interface{}
	}

	Group struct {
		Name      string
		Tenant    string
		GIDNumber int
	}

	// Backend selects where identities come from. "config" serves the
	// users and groups declared in this file, "ldap" proxies an upstream
	// directory through the connection pool.
	Backend struct {
		Datastore string
	}

	Pool struct {
		Servers               []string
		UseStartTLS           bool
		Insecure              bool
		BaseDN                string
		BindDN                string
		BindPassword          string
		UserFilter            string
		GroupFilter           string
		AttributeMap          map[string]string
		MaxOpen               int
		AcquireTimeoutSeconds int
		IdleTimeoutSeconds    int
		HealthIntervalSeconds int
		SearchTimeoutSeconds  int
	}

	Tracing struct {
		Enabled      bool
		GRPCEndpoint string
		HTTPEndpoint string
	}

	Config struct {
		API           API
		Backend       Backend
		Debug         bool
		Syslog        bool
		StructuredLog bool
		WatchConfig   bool
		Frontend      Frontend
		LDAP          LDAP
		LDAPS         LDAPS
		Directory     Directory
		Pool          Pool
		Groups        []Group
		Users         []User
		Tracing       Tracing
		ConfigFile    string
	}
)
