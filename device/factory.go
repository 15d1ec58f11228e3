package device

type Factory interface {
	FromSpec(spec DeviceSpec) (Family, error)
}

type FactoryDocs interface {
	Help() string
}
