package livetree

import "strings"

// Well-known paths. Device ids never contain "/".

func DevicePath(id string) string { return "devices/" + id }

func DevicesPrefix() string { return "devices" }

func SensorPrefix(id string) string { return "sensor_data/" + id }

func StatusPath(id string) string { return SensorPrefix(id) + "/status" }

func ReadingsPath(id string) string { return SensorPrefix(id) + "/readings" }

func PumpModePath(id string) string { return SensorPrefix(id) + "/pump_mode" }

func PumpStatusPath(id string) string { return SensorPrefix(id) + "/pump_status" }

func SchedulesPrefix(id string) string { return SensorPrefix(id) + "/schedules" }

func SchedulePath(id, key string) string { return SchedulesPrefix(id) + "/" + key }

// Leaf returns the last path segment.
func Leaf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
