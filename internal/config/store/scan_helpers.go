package store

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(scanner rowScanner) (Endpoint, error) {
	var (
		ep      Endpoint
		enabled int
	)
	if err := scanner.Scan(
		&ep.Port,
		&ep.Backlog,
		&ep.ReceiveBuffer,
		&ep.AcceptTimeoutMS,
		&ep.PolicyScript,
		&enabled,
		&ep.CreatedAt,
		&ep.UpdatedAt,
	); err != nil {
		return Endpoint{}, err
	}
	ep.Enabled = enabled != 0
	return ep, nil
}

func scanStringPair(scanner rowScanner) (string, string, error) {
	var key, value string
	err := scanner.Scan(&key, &value)
	return key, value, err
}
