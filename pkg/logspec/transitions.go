package logspec

func init() {
	DefaultRegistry.RegisterTransition("common", "jump_to_state", func(Data) bool {
		return true
	})
	DefaultRegistry.RegisterTransition("linux", "linux_start_detected", func(d Data) bool {
		v, _ := d["bootloader.done"].(bool)
		return v
	})
	DefaultRegistry.RegisterTransition("linux", "linux_prompt_detected", func(d Data) bool {
		v, _ := d["linux.boot.prompt"].(bool)
		return v
	})
}
