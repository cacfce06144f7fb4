package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Senneseph/edge-hive/sdk"
)

// sftpTransfer implements sdk.FileTransfer over one ssh connection. The
// actor serializes calls, so a single session is enough.
type sftpTransfer struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func openSFTP(_ context.Context, config map[string]string) (*driver, error) {
	host := config["host"]
	if host == "" {
		return nil, fmt.Errorf("file transfer config requires a host")
	}
	addr := host + ":" + valueOr(config, "port", "22")
	sshCfg := &ssh.ClientConfig{
		User: config["user"],
		Auth: []ssh.AuthMethod{ssh.Password(config["password"])},
		// Admin-configured backends carry no pinned host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	ft := &sftpTransfer{ssh: sshClient, sftp: sftpClient}
	return &driver{
		client: ft,
		ping: func(context.Context) error {
			_, err := sftpClient.Getwd()
			return err
		},
		close: func() {
			_ = sftpClient.Close()
			_ = sshClient.Close()
		},
	}, nil
}

func (f *sftpTransfer) Put(_ context.Context, remotePath string, data []byte) error {
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := f.sftp.MkdirAll(dir); err != nil {
			return err
		}
	}
	file, err := f.sftp.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (f *sftpTransfer) Get(_ context.Context, remotePath string) ([]byte, error) {
	file, err := f.sftp.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (f *sftpTransfer) List(_ context.Context, remotePath string) ([]sdk.FileEntry, error) {
	infos, err := f.sftp.ReadDir(remotePath)
	if err != nil {
		return nil, err
	}
	entries := make([]sdk.FileEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, sdk.FileEntry{
			Name:    info.Name(),
			Size:    info.Size(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

func (f *sftpTransfer) Delete(_ context.Context, remotePath string) error {
	info, err := f.sftp.Stat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return f.sftp.RemoveDirectory(remotePath)
	}
	return f.sftp.Remove(remotePath)
}
