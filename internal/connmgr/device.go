package connmgr

import (
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// sppDevices returns the devices of objs advertising uuid, sorted by path.
func sppDevices(objs managedObjects, uuid string) []Device {
	var out []Device
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, uuid); ok {
			out = append(out, dev)
		}
	}
	sortDevices(out)
	return out
}

func sortDevices(devs []Device) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].Path < devs[j].Path })
}

func adapterPaths(objs managedObjects) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, uuid string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, uuid) {
		return Device{}, false
	}
	dev := Device{
		Path:   string(path),
		MAC:    stringProp(props, "Address"),
		Name:   stringProp(props, "Name"),
		Alias:  stringProp(props, "Alias"),
		Paired: boolProp(props, "Paired"),
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	return dev, true
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// DevicePath builds the BlueZ object path of a device address on an adapter
// such as "hci0".
func DevicePath(adapter, mac string) string {
	if adapter == "" {
		adapter = "hci0"
	}
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
}
