package inventory

// Transitions a non-privileged actor may request.
var validNext = map[Status]map[Status]bool{
	StatusAvailable:  {StatusReserved: true, StatusService: true, StatusLost: true, StatusComingSoon: true},
	StatusReserved:   {StatusSold: true, StatusAvailable: true},
	StatusComingSoon: {StatusAvailable: true},
	StatusService:    {StatusAvailable: true},
	StatusReturn:     {StatusAvailable: true, StatusService: true},
	StatusSold:       {},
	StatusLost:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
