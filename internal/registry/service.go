package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"home-registry/internal/events"
	"home-registry/internal/store"
)

// DeviceFilter narrows ListDevices. Empty fields match everything.
type DeviceFilter struct {
	ControllerName string
	RoomIdentifier string
}

func (f DeviceFilter) match(d *Device) bool {
	if f.ControllerName != "" && d.ControllerName != f.ControllerName {
		return false
	}
	if f.RoomIdentifier != "" && d.RoomIdentifier != f.RoomIdentifier {
		return false
	}
	return true
}

// Service enforces the relations between devices and rooms and decorates
// read results. It holds no records itself.
//
// Writes are serialized by mu so that the room check in RegisterDevice and
// the dependents check in DeleteRoom cannot interleave.
type Service struct {
	mu      sync.Mutex
	devices *store.Repository[Device]
	rooms   *store.Repository[Room]
	bus     *events.Bus
	logger  *slog.Logger

	validators []DeviceValidator
}

// DeviceValidator is an extra check run on every device registration,
// after the room check and before the record is saved.
type DeviceValidator func(d *Device) error

// NewService creates a registry over st. bus may be nil.
func NewService(st store.Store, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		devices: store.NewRepository(st, "device", deviceID),
		rooms:   store.NewRepository(st, "room", roomID),
		bus:     bus,
		logger:  logger.With("component", "registry"),
	}
}

// AddValidator installs v. It must be called before the service is used.
func (s *Service) AddValidator(v DeviceValidator) {
	s.validators = append(s.validators, v)
}

// RegisterDevice validates and upserts a device. The referenced room must
// exist.
func (s *Service) RegisterDevice(d Device) (*DeviceView, error) {
	if err := d.Validate(); err != nil {
		s.logger.Debug("device rejected", "id", d.Identifier, "err", err)
		return nil, err
	}

	s.mu.Lock()
	room, err := s.rooms.Find(d.RoomIdentifier)
	if errors.Is(err, store.ErrNotFound) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: room %q does not exist", ErrInvalidReference, d.RoomIdentifier)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("find room: %w", err)
	}
	for _, v := range s.validators {
		if err := v(&d); err != nil {
			s.mu.Unlock()
			s.logger.Debug("device rejected", "id", d.Identifier, "err", err)
			return nil, err
		}
	}
	err = s.devices.Save(&d)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}

	s.logger.Info("device registered", "id", d.Identifier, "room", d.RoomIdentifier, "controller", d.ControllerName)
	view := decorateDevice(&d, room)
	s.publish(events.KindDeviceRegistered, d.Identifier, view)
	return view, nil
}

// RegisterRoom validates and upserts a room.
func (s *Service) RegisterRoom(r Room) (*RoomView, error) {
	if err := r.Validate(); err != nil {
		s.logger.Debug("room rejected", "id", r.Identifier, "err", err)
		return nil, err
	}

	s.mu.Lock()
	err := s.rooms.Save(&r)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("save room: %w", err)
	}

	s.logger.Info("room registered", "id", r.Identifier)
	view := &RoomView{Identifier: r.Identifier, Name: r.Name, Devices: []RoomDevice{}}
	s.publish(events.KindRoomRegistered, r.Identifier, view)
	return view, nil
}

// Device returns the raw stored record.
func (s *Service) Device(identifier string) (*Device, error) {
	d, err := s.devices.Find(identifier)
	if err != nil {
		return nil, mapNotFound(err, "device", identifier)
	}
	return d, nil
}

// Devices returns the raw stored records matching filter.
func (s *Service) Devices(filter DeviceFilter) ([]*Device, error) {
	return s.devices.FindBy(filter.match)
}

// GetDevice returns the device decorated with its room.
func (s *Service) GetDevice(identifier string) (*DeviceView, error) {
	d, err := s.Device(identifier)
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.Find(d.RoomIdentifier)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find room: %w", err)
	}
	return decorateDevice(d, room), nil
}

// ListDevices returns every device matching filter, each decorated with
// its room.
func (s *Service) ListDevices(filter DeviceFilter) ([]DeviceView, error) {
	devices, err := s.Devices(filter)
	if err != nil {
		return nil, err
	}
	rooms := make(map[string]*Room)
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		room, seen := rooms[d.RoomIdentifier]
		if !seen {
			room, err = s.rooms.Find(d.RoomIdentifier)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("find room: %w", err)
			}
			rooms[d.RoomIdentifier] = room
		}
		out = append(out, *decorateDevice(d, room))
	}
	return out, nil
}

// DeleteDevice removes a device.
func (s *Service) DeleteDevice(identifier string) error {
	s.mu.Lock()
	err := s.devices.Delete(identifier)
	s.mu.Unlock()
	if err != nil {
		return mapNotFound(err, "device", identifier)
	}
	s.logger.Info("device deleted", "id", identifier)
	s.publish(events.KindDeviceDeleted, identifier, map[string]string{"identifier": identifier})
	return nil
}

// GetRoom returns the room decorated with the devices in it.
func (s *Service) GetRoom(identifier string) (*RoomView, error) {
	r, err := s.rooms.Find(identifier)
	if err != nil {
		return nil, mapNotFound(err, "room", identifier)
	}
	return s.decorateRoom(r)
}

// ListRooms returns every room, each decorated with its devices.
func (s *Service) ListRooms() ([]RoomView, error) {
	rooms, err := s.rooms.FindAll()
	if err != nil {
		return nil, err
	}
	devices, err := s.devices.FindAll()
	if err != nil {
		return nil, err
	}
	byRoom := make(map[string][]*Device)
	for _, d := range devices {
		byRoom[d.RoomIdentifier] = append(byRoom[d.RoomIdentifier], d)
	}
	out := make([]RoomView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, *roomView(r, byRoom[r.Identifier]))
	}
	return out, nil
}

// DeleteRoom removes a room. It fails with ErrConflict while any device
// still references the room.
func (s *Service) DeleteRoom(identifier string) error {
	s.mu.Lock()
	if _, err := s.rooms.Find(identifier); err != nil {
		s.mu.Unlock()
		return mapNotFound(err, "room", identifier)
	}
	dependents, err := s.devices.FindBy(DeviceFilter{RoomIdentifier: identifier}.match)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("find devices in room: %w", err)
	}
	if len(dependents) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: room %q has %d devices", ErrConflict, identifier, len(dependents))
	}
	err = s.rooms.Delete(identifier)
	s.mu.Unlock()
	if err != nil {
		return mapNotFound(err, "room", identifier)
	}
	s.logger.Info("room deleted", "id", identifier)
	s.publish(events.KindRoomDeleted, identifier, map[string]string{"identifier": identifier})
	return nil
}

func (s *Service) decorateRoom(r *Room) (*RoomView, error) {
	devices, err := s.devices.FindBy(DeviceFilter{RoomIdentifier: r.Identifier}.match)
	if err != nil {
		return nil, fmt.Errorf("find devices in room: %w", err)
	}
	return roomView(r, devices), nil
}

func (s *Service) publish(kind, identifier string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Topic(kind, identifier), payload)
}

func mapNotFound(err error, kind, identifier string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %q", ErrNotFound, kind, identifier)
	}
	return err
}

func decorateDevice(d *Device, room *Room) *DeviceView {
	v := &DeviceView{
		Identifier:     d.Identifier,
		Name:           d.Name,
		Type:           d.Type,
		ControllerName: d.ControllerName,
		Attributes:     d.Attributes,
		DependsOn:      d.DependsOn,
		StateProviders: d.StateProviders,
	}
	if room != nil {
		v.Room = &RoomRef{Identifier: room.Identifier, Name: room.Name}
	}
	return v
}

func roomView(r *Room, devices []*Device) *RoomView {
	v := &RoomView{Identifier: r.Identifier, Name: r.Name, Devices: make([]RoomDevice, 0, len(devices))}
	for _, d := range devices {
		v.Devices = append(v.Devices, RoomDevice{
			Identifier:     d.Identifier,
			Name:           d.Name,
			Type:           d.Type,
			ControllerName: d.ControllerName,
			Attributes:     d.Attributes,
			DependsOn:      d.DependsOn,
			StateProviders: d.StateProviders,
		})
	}
	return v
}
