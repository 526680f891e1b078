package providers

import (
	"fmt"
)

// CloudInitUserData returns a minimal cloud-init YAML that creates the
// login user with the controller's SSH public key and hardens sshd.
func CloudInitUserData(username, sshAuthorizedKey string) string {
	if username == "" {
		username = "ubuntu"
	}
	return fmt.Sprintf(`#cloud-config
users:
  - default
  - name: %s
    sudo: ["ALL=(ALL) NOPASSWD:ALL"]
    shell: /bin/bash
    ssh_authorized_keys:
      - %s
ssh_pwauth: false
disable_root: true
write_files:
  - path: /etc/ssh/sshd_config.d/99-dsmctl.conf
    permissions: '0644'
    content: |
      PermitRootLogin no
      PasswordAuthentication no
      ChallengeResponseAuthentication no
`, username, sshAuthorizedKey)
}
