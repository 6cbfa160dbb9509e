package steps

// RegisterDefaults registers all built-in handlers.
func RegisterDefaults(reg *Registry) {
	RegisterBrowserHandlers(reg)
	RegisterAssertionHandlers(reg)
	RegisterConditionHandlers(reg)
	RegisterHTTPHandlers(reg)
	RegisterMiscHandlers(reg)
}

// DefaultRegistry returns a registry with every built-in handler.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	RegisterDefaults(reg)
	return reg
}
