package domain

// Role describes what a container is doing during a swap.
type Role string

const (
	RoleCurrent   Role = "current"
	RoleCandidate Role = "candidate"
	RoleRetiring  Role = "retiring"
)

// Health is the last known health of a slot.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Slot is one named container instance on a target.
type Slot struct {
	Name     string
	Role     Role
	HostPort int
	ImageID  string
	Health   Health
}

// Color is a blue/green slot color.
type Color string

const (
	Blue  Color = "blue"
	Green Color = "green"
)

// Other returns the opposite color.
func (c Color) Other() Color {
	if c == Blue {
		return Green
	}
	return Blue
}

// Container naming for a service. The canonical name is the app itself.
func RetiringName(app string) string {
	return app + "_retiring"
}

func ColorName(app string, c Color) string {
	return app + "-" + string(c)
}
