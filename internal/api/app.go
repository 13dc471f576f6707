package api

import (
	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/pending"
	"github.com/Vilis322/sleepBot/internal/service"
	"github.com/Vilis322/sleepBot/internal/storage"
)

type App interface {
	Logger() internal.Logger
	Clock() clock.Clock
	Sleep() *service.SleepService
	Stats() *service.StatsService
	Users() *service.UserService
	GoalRepo() storage.GoalRepository
	Pending() pending.Store
}

// Deps is the App the server wires from its store and services.
type Deps struct {
	Log      internal.Logger
	Clk      clock.Clock
	SleepSvc *service.SleepService
	StatsSvc *service.StatsService
	UserSvc  *service.UserService
	Goals    storage.GoalRepository
	Pendings pending.Store
}

func (d *Deps) Logger() internal.Logger          { return d.Log }
func (d *Deps) Clock() clock.Clock               { return d.Clk }
func (d *Deps) Sleep() *service.SleepService     { return d.SleepSvc }
func (d *Deps) Stats() *service.StatsService     { return d.StatsSvc }
func (d *Deps) Users() *service.UserService      { return d.UserSvc }
func (d *Deps) GoalRepo() storage.GoalRepository { return d.Goals }
func (d *Deps) Pending() pending.Store           { return d.Pendings }

var _ App = (*Deps)(nil)
